// Package sensors provides access to the station's measurement hardware:
// a JSN-SR04T ultrasonic distance sensor on two GPIO pins and a DS18B20
// temperature probe on the 1-Wire bus.
//
// All readings are returned as float64 with NaN signalling "no valid
// reading". Callers decide how NaN is rendered (0.00 on the legacy
// plain-text endpoint, null in JSON).
package sensors

import (
	"math"
	"sort"
	"time"
)

// TempSensor reads water temperature in degrees Fahrenheit.
type TempSensor interface {
	ReadFahrenheit() float64
}

// DistanceSensor reads distance to the water surface in inches.
type DistanceSensor interface {
	ReadInches() float64
}

// Median takes n samples from read, spaced by interval, discards
// NaN/Inf values and returns the median. Returns NaN when no sample
// was valid.
func Median(read func() float64, n int, interval time.Duration) float64 {
	vals := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		v := read()
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			vals = append(vals, v)
		}
		if i < n-1 {
			time.Sleep(interval)
		}
	}
	if len(vals) == 0 {
		return math.NaN()
	}
	sort.Float64s(vals)
	return vals[len(vals)/2]
}

func celsiusToFahrenheit(c float64) float64 {
	return c*9.0/5.0 + 32.0
}
