package clamp

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nasa-jpl/patchclamp/board"
)

// Gauges are prometheus gauges reading the board's FIFO statistics.  They
// report the values of the last read and never touch the device.
func Gauges(b *board.Board) []prometheus.Collector {
	return []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "clamp",
			Subsystem: "fifo",
			Name:      "words",
			Help:      "Words left in the board FIFO after the last read.",
		}, func() float64 { return float64(b.Stats().WordsInFIFO) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "clamp",
			Subsystem: "fifo",
			Name:      "percentage_full",
			Help:      "Fill of the board FIFO after the last read, in percent.",
		}, func() float64 { return b.Stats().PercentageFull }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "clamp",
			Subsystem: "read",
			Name:      "latency_seconds",
			Help:      "Acquisition time of the data left in the FIFO.",
		}, func() float64 { return b.Stats().Latency.Seconds() }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "clamp",
			Subsystem: "read",
			Name:      "timesteps",
			Help:      "Timesteps read in the current or last run.",
		}, func() float64 { return float64(b.Stats().TimestepsRead) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "clamp",
			Subsystem: "run",
			Name:      "running",
			Help:      "1 while the board is running.",
		}, func() float64 {
			if s, _ := b.State(); s == board.Running {
				return 1
			}
			return 0
		}),
	}
}

// RegisterMetrics registers the board's gauges with reg
func RegisterMetrics(reg prometheus.Registerer, b *board.Board) error {
	for _, g := range Gauges(b) {
		if err := reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}
