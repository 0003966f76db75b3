package sensors

import (
	"math"
	"sync"
	"time"

	rpio "github.com/stianeikeland/go-rpio/v4"
)

// Speed of sound in inches per second; round-trip time is halved.
const inchesPerSecond = 13503.9

// Ultrasonic drives a JSN-SR04T waterproof ultrasonic ranger: a 10 µs
// pulse on the trigger pin, then the echo pin goes high for the time of
// flight. Pin numbers use BCM numbering.
type Ultrasonic struct {
	TrigPin     int
	EchoPin     int
	EchoTimeout time.Duration

	mu    sync.Mutex
	ready bool
	open  bool
}

// NewUltrasonic returns a sensor on the given trigger/echo pins.
func NewUltrasonic(trigPin, echoPin int, echoTimeout time.Duration) *Ultrasonic {
	if echoTimeout <= 0 {
		echoTimeout = 40 * time.Millisecond
	}
	return &Ultrasonic{TrigPin: trigPin, EchoPin: echoPin, EchoTimeout: echoTimeout}
}

// setup opens the GPIO memory map and configures the pins. Lazy so the
// package can be imported on machines without /dev/gpiomem.
func (u *Ultrasonic) setup() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ready {
		return true
	}
	if !u.open {
		if err := rpio.Open(); err != nil {
			return false
		}
		u.open = true
	}
	trig := rpio.Pin(u.TrigPin)
	echo := rpio.Pin(u.EchoPin)
	trig.Output()
	echo.Input()
	echo.PullDown()
	trig.Low()
	time.Sleep(100 * time.Millisecond)
	u.ready = true
	return true
}

// ReadInches performs a single measurement. Returns NaN on timeout or
// when the GPIO device is unavailable.
func (u *Ultrasonic) ReadInches() float64 {
	if !u.setup() {
		return math.NaN()
	}

	trig := rpio.Pin(u.TrigPin)
	echo := rpio.Pin(u.EchoPin)

	trig.Low()
	time.Sleep(2 * time.Microsecond)
	trig.High()
	time.Sleep(10 * time.Microsecond)
	trig.Low()

	// Wait for the echo line to rise.
	deadline := time.Now().Add(u.EchoTimeout)
	for echo.Read() == rpio.Low {
		if time.Now().After(deadline) {
			return math.NaN()
		}
	}

	// Time how long it stays high.
	start := time.Now()
	deadline = start.Add(u.EchoTimeout)
	for echo.Read() == rpio.High {
		if time.Now().After(deadline) {
			return math.NaN()
		}
	}
	flight := time.Since(start).Seconds()

	return flight * inchesPerSecond / 2.0
}

// Close releases the GPIO mapping.
func (u *Ultrasonic) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.open {
		rpio.Close()
		u.open = false
		u.ready = false
	}
}
