//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/queueproxy/hsa"
	"github.com/romshark/queueproxy/proxy"
	"github.com/romshark/queueproxy/queuestat"
	"github.com/romshark/queueproxy/ratelimit"
	"github.com/romshark/queueproxy/ring"
	"github.com/romshark/queueproxy/softhw"
)

// Topology:
//
// producers -> proxy queue (shadow ring) -> softhw queue -> packet processor
//
// Every proxy queue is fed by its own set of producers. Producers claim a
// batch of slots, fill them and ring the proxy doorbell with the last index.

type Config struct {
	Device struct {
		GPUs         int           `yaml:"gpus"`
		MaxQueueSize uint32        `yaml:"max-queue-size"`
		PollTimeout  time.Duration `yaml:"poll-timeout"`
	} `yaml:"device"`

	Queues    int    `yaml:"queues"`
	QueueSize uint32 `yaml:"queue-size"`

	Producers int    `yaml:"producers"` // Per queue.
	BatchSize uint32 `yaml:"batch-size"`
	RatePPS   uint64 `yaml:"rate-pps"` // Per producer, 0 = unlimited.
	Count     uint64 `yaml:"count"`    // Total packets over all queues.

	BPFMap   string `yaml:"bpf-map"` // Empty = in-process counters.
	LogLevel string `yaml:"log-level"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "bench.yaml", "path to config YAML file")
	fQueues := flag.Int("q", 0, "number of proxy queues override")
	fSize := flag.Uint("s", 0, "queue size override")
	fProducers := flag.Int("p", 0, "producers per queue override")
	fBatch := flag.Uint("b", 0, "batch size override")
	fRate := flag.Int64("r", -1, "producer rate limit in PPS (<0 falls back to config)")
	fCount := flag.Uint64("n", 0, "packet count override")
	fBPF := flag.String("bpf", "", "record counters in a BPF map with this name")
	fLogLevel := flag.String("log", "", "log level override")
	flag.Parse()

	b, err := os.ReadFile(*fConfig)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var conf Config
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	// Apply CLI overrides if necessary.
	if *fQueues != 0 {
		conf.Queues = *fQueues
	}
	if *fSize != 0 {
		conf.QueueSize = uint32(*fSize)
	}
	if *fProducers != 0 {
		conf.Producers = *fProducers
	}
	if *fBatch != 0 {
		conf.BatchSize = uint32(*fBatch)
	}
	if *fRate >= 0 {
		conf.RatePPS = uint64(*fRate)
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fBPF != "" {
		conf.BPFMap = *fBPF
	}
	if *fLogLevel != "" {
		conf.LogLevel = *fLogLevel
	}

	// Defaults
	if conf.Queues == 0 {
		conf.Queues = 1
	}
	if conf.Producers == 0 {
		conf.Producers = 1
	}
	if conf.BatchSize == 0 {
		conf.BatchSize = 16
	}
	if conf.LogLevel == "" {
		conf.LogLevel = "info"
	}

	// Validate
	if conf.Queues <= 0 {
		return nil, errors.New("queues must be > 0")
	}
	if conf.Producers <= 0 {
		return nil, errors.New("producers must be > 0")
	}
	if !ring.IsPowerOfTwo(conf.QueueSize) {
		return nil, fmt.Errorf("queue-size %d must be a power of two", conf.QueueSize)
	}
	if conf.BatchSize > conf.QueueSize {
		return nil, errors.New("batch-size must not exceed queue-size")
	}
	if conf.Count == 0 {
		return nil, errors.New("count must be > 0")
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

// recorder is implemented by both queuestat backends.
type recorder interface {
	queuestat.Recorder
	Stats() (queuestat.Stats, error)
	// Failed reports counter updates that were not recorded.
	Failed() (uint64, error)
}

type memoryRecorder struct{ *queuestat.Memory }

func (m memoryRecorder) Stats() (queuestat.Stats, error) { return m.Snapshot(), nil }
func (m memoryRecorder) Failed() (uint64, error) { return 0, nil }

type bpfRecorder struct{ *queuestat.BPFMap }

func (b bpfRecorder) Stats() (queuestat.Stats, error) { return b.Snapshot() }

func newRecorder(conf *Config, log *logrus.Logger) (recorder, func()) {
	if conf.BPFMap == "" {
		return memoryRecorder{queuestat.NewMemory()}, func() {}
	}
	m, err := queuestat.NewBPFMap(conf.BPFMap, uint32(conf.Queues))
	fatalIf(err, "creating BPF stats map")
	log.WithFields(logrus.Fields{
		"name": conf.BPFMap,
		"fd":   m.FD(),
	}).Info("recording counters in BPF map")
	return bpfRecorder{m}, func() {
		if err := m.Close(); err != nil {
			log.WithError(err).Error("closing BPF stats map")
		}
	}
}

// fillPacket writes a dispatch packet identifying the producer and its
// sequence number.
func fillPacket(p *hsa.Packet, producer int, seq uint64) {
	p[1] = uint32(producer)
	p[2] = uint32(seq)
	p[3] = uint32(seq >> 32)
	p.PublishHeader(hsa.PacketTypeKernelDispatch)
}

// produce submits count packets to q in batches through the intercepted
// runtime rt.
func produce(
	ctx context.Context,
	rt hsa.Runtime,
	q *hsa.Queue,
	id int,
	count uint64,
	batchSize uint32,
	pacer *ratelimit.Pacer,
) error {
	size := uint64(q.Size)
	mask := size - 1
	for seq := uint64(0); seq < count; {
		n := min(uint64(batchSize), count-seq)
		if err := pacer.WaitN(ctx, n); err != nil {
			return err
		}

		idx := rt.LoadWriteIndex(q)
		// The claim stays open while waiting, so the wait is bounded by
		// the producers that already stored their index.
		for idx+n-rt.LoadReadIndex(q) > size {
			if ctx.Err() != nil {
				rt.StoreWriteIndex(q, idx)
				return ctx.Err()
			}
			time.Sleep(10 * time.Microsecond)
		}
		for i := range n {
			fillPacket(&q.Base[(idx+i)&mask], id, seq+i)
		}
		rt.StoreWriteIndex(q, idx+n)
		rt.SignalStore(q.DoorbellSignal, hsa.SignalValue(idx+n-1))
		seq += n
	}
	return nil
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	log := logrus.New()
	level, _ := logrus.ParseLevel(conf.LogLevel)
	log.SetLevel(level)

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var executed atomic.Uint64
	dev, err := softhw.NewDevice(softhw.DeviceConfig{
		GPUs:         conf.Device.GPUs,
		MaxQueueSize: conf.Device.MaxQueueSize,
		PollTimeout:  conf.Device.PollTimeout,
		Log:          log,
		Handler: func(p *softhw.Packet) error {
			executed.Add(1)
			return nil
		},
	})
	fatalIf(err, "creating device")
	defer func() { fatalIf(dev.Close(), "closing device") }()

	stats, closeStats := newRecorder(conf, log)
	defer closeStats()

	table := dev.APITable()
	ic := proxy.Intercept(table, dev, proxy.Config{Stats: stats, Log: log})
	client := hsa.TableRuntime(table)

	queues := make([]*hsa.Queue, conf.Queues)
	aliases := make(map[uint64]string, conf.Queues)
	for i := range queues {
		agent := dev.GPU(i % max(conf.Device.GPUs, 1))
		q, err := client.QueueCreate(agent, conf.QueueSize, hsa.QueueConfig{
			OnError: func(err error, q *hsa.Queue) {
				log.WithField("queue", q.ID).WithError(err).Error("queue failed")
				cancel()
			},
		})
		fatalIf(err, "creating queue %d", i)
		queues[i] = q
		pq, _ := ic.ProxyQueue(q)
		aliases[q.ID] = fmt.Sprintf("proxy signal %d", pq.Signal().Handle)
	}

	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()

		var last uint64
		lastTime := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				dt := now.Sub(lastTime).Seconds()
				lastTime = now
				n := executed.Load()
				fmt.Printf("EXECUTED=%s PPS=%s\n",
					humanize.Comma(int64(n)),
					humanize.Comma(int64(float64(n-last)/dt)))
				last = n
			}
		}
	}()

	producers := conf.Queues * conf.Producers
	perProducer := conf.Count / uint64(producers)
	total := perProducer * uint64(producers)

	start := time.Now()
	var wg sync.WaitGroup
	for i, q := range queues {
		for p := range conf.Producers {
			id := i*conf.Producers + p
			wg.Go(func() {
				err := produce(ctx, client, q, id, perProducer,
					conf.BatchSize, ratelimit.New(conf.RatePPS))
				if err != nil && !errors.Is(err, context.Canceled) {
					log.WithField("producer", id).WithError(err).Error("producer stopped")
				}
			})
		}
	}
	wg.Wait()

	// Dropped packets never execute.
	for ctx.Err() == nil {
		s, err := stats.Stats()
		fatalIf(err, "reading counters")
		if executed.Load()+s.Total(queuestat.Dropped) >= total {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	elapsed := time.Since(start).Seconds()
	cancel()

	snapshot, err := stats.Stats()
	fatalIf(err, "reading counters")
	if n, err := stats.Failed(); n > 0 {
		log.WithField("failed", n).WithError(err).Warn("counter updates lost")
	}

	for _, q := range queues {
		fatalIf(client.QueueDestroy(q), "destroying queue %d", q.ID)
	}

	n := executed.Load()
	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" Submitted:         %d packets\n", total)
	p.Printf(" Executed:          %d packets\n", n)
	p.Printf(" Avg PPS:           %d\n", uint64(float64(n)/elapsed))
	p.Printf(" Lost:              %d\n", total-n)
	p.Print("\nCOUNTERS\n")
	fatalIf(queuestat.Print(os.Stdout, snapshot, aliases), "printing counters")
}
