//go:build linux

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/romshark/queueproxy/hsa"
	"github.com/romshark/queueproxy/proxy"
	"github.com/romshark/queueproxy/queuestat"
	"github.com/romshark/queueproxy/ring"
	"github.com/romshark/queueproxy/softhw"
)

// trace submits a fixed sequence of packets through a proxy queue whose
// observer logs every packet before forwarding it to the device.

type Config struct {
	QueueSize uint32 `yaml:"queue-size"`
	Count     uint64 `yaml:"count"`
	// Doorbell is rung every Every packets. Larger values show how one
	// doorbell write drains several packets.
	Every    uint64 `yaml:"every"`
	Drop     bool   `yaml:"drop"` // Observe without forwarding.
	JSON     bool   `yaml:"json"`
	LogLevel string `yaml:"log-level"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file (optional)")
	fSize := flag.Uint("s", 0, "queue size override")
	fCount := flag.Uint64("n", 0, "packet count override")
	fEvery := flag.Uint64("e", 0, "ring doorbell every e packets")
	fDrop := flag.Bool("drop", false, "observe without forwarding")
	fJSON := flag.Bool("json", false, "log JSON")
	flag.Parse()

	var conf Config
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	if *fSize != 0 {
		conf.QueueSize = uint32(*fSize)
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fEvery != 0 {
		conf.Every = *fEvery
	}
	if *fDrop {
		conf.Drop = true
	}
	if *fJSON {
		conf.JSON = true
	}

	if conf.QueueSize == 0 {
		conf.QueueSize = 8
	}
	if conf.Count == 0 {
		conf.Count = 32
	}
	if conf.Every == 0 {
		conf.Every = 1
	}
	if conf.LogLevel == "" {
		conf.LogLevel = "info"
	}

	if !ring.IsPowerOfTwo(conf.QueueSize) {
		return nil, fmt.Errorf("queue-size %d must be a power of two", conf.QueueSize)
	}
	if conf.Every > uint64(conf.QueueSize) {
		return nil, errors.New("every must not exceed queue-size")
	}
	if _, err := logrus.ParseLevel(conf.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid log-level: %w", err)
	}
	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	log := logrus.New()
	level, _ := logrus.ParseLevel(conf.LogLevel)
	log.SetLevel(level)
	if conf.JSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	executed := make(chan uint64, conf.Count)
	dev, err := softhw.NewDevice(softhw.DeviceConfig{
		Log: log,
		Handler: func(p *softhw.Packet) error {
			log.WithFields(logrus.Fields{
				"queue": p.Queue,
				"index": p.Index,
				"seq":   p.Packet[1],
			}).Debug("executed")
			executed <- p.Index
			return nil
		},
	})
	fatalIf(err, "creating device")
	defer func() { fatalIf(dev.Close(), "closing device") }()

	stats := queuestat.NewMemory()
	table := dev.APITable()
	proxy.Intercept(table, dev, proxy.Config{
		Stats: stats,
		Log:   log,
		OnQueueCreate: func(pq *proxy.ProxyQueue) {
			l := log.WithField("queue", pq.Queue().ID)
			pq.SetObserver(func(p *hsa.Packet, count int, index uint64) {
				l.WithFields(logrus.Fields{
					"index":  index,
					"slot":   index & pq.Mask(),
					"type":   p.Type(),
					"header": fmt.Sprintf("%#08x", p.Header()),
					"seq":    p[1],
				}).Info("packet submitted")
				if conf.Drop {
					return
				}
				if err := pq.Submit(p); err != nil {
					l.WithField("index", index).WithError(err).Error("forwarding failed")
				}
			})
		},
	})
	client := hsa.TableRuntime(table)

	q, err := client.QueueCreate(dev.GPU(0), conf.QueueSize, hsa.QueueConfig{})
	fatalIf(err, "creating queue")

	mask := uint64(q.Size) - 1
	for seq := uint64(0); seq < conf.Count; {
		n := min(conf.Every, conf.Count-seq)

		idx := client.LoadWriteIndex(q)
		for idx+n-client.LoadReadIndex(q) > uint64(q.Size) {
			time.Sleep(time.Millisecond)
		}
		for i := range n {
			p := &q.Base[(idx+i)&mask]
			p[1] = uint32(seq + i)
			p.PublishHeader(hsa.PacketTypeKernelDispatch)
		}
		client.StoreWriteIndex(q, idx+n)
		client.SignalStore(q.DoorbellSignal, hsa.SignalValue(idx+n-1))
		seq += n
	}

	if !conf.Drop {
		timeout := time.After(5 * time.Second)
		for range conf.Count {
			select {
			case <-executed:
			case <-timeout:
				fatalIf(errors.New("timeout"), "waiting for device")
			}
		}
	}

	s := stats.Snapshot()
	fatalIf(client.QueueDestroy(q), "destroying queue")
	fatalIf(queuestat.Print(os.Stdout, s, map[uint64]string{q.ID: "traced"}), "printing counters")
}
