package sensors

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DS18B20 reads the first DS18B20 probe found on the 1-Wire bus via the
// kernel's w1-therm sysfs interface. Devices enumerate under
// /sys/bus/w1/devices as 28-<serial>.
type DS18B20 struct {
	// BaseDir is the w1 devices directory, overridable for tests.
	BaseDir string
}

// NewDS18B20 returns a probe reader using the default sysfs location.
func NewDS18B20(baseDir string) *DS18B20 {
	if baseDir == "" {
		baseDir = "/sys/bus/w1/devices"
	}
	return &DS18B20{BaseDir: baseDir}
}

// ReadFahrenheit returns the probe temperature in °F, or NaN when no
// probe is present or the CRC check failed.
func (s *DS18B20) ReadFahrenheit() float64 {
	c := s.readCelsius()
	if math.IsNaN(c) {
		return math.NaN()
	}
	return celsiusToFahrenheit(c)
}

func (s *DS18B20) readCelsius() float64 {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		return math.NaN()
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "28-") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.BaseDir, e.Name(), "w1_slave"))
		if err != nil {
			continue
		}
		return parseW1Slave(string(data))
	}
	return math.NaN()
}

// parseW1Slave extracts millidegrees Celsius from a w1_slave dump:
//
//	72 01 4b 46 7f ff 0e 10 57 : crc=57 YES
//	72 01 4b 46 7f ff 0e 10 57 t=23125
//
// The first line must contain YES (CRC ok).
func parseW1Slave(data string) float64 {
	if !strings.Contains(data, "YES") {
		return math.NaN()
	}
	idx := strings.LastIndex(data, "t=")
	if idx < 0 {
		return math.NaN()
	}
	raw := strings.TrimSpace(data[idx+2:])
	milli, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return math.NaN()
	}
	return milli / 1000.0
}
