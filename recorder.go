package patchcommander

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/patchlab/patchcommander/internal/unboundedchan"
)

// RecordSize is the size of one sample record in a .data file:
// int64 index, bool mode, float32 command, float32 read, float32 laser,
// little endian with no padding.
const RecordSize = 21

// Record is one sample of a recorded channel.
type Record struct {
	Index   int64
	Mode    bool // true in voltage clamp
	Command float32
	Read    float32
	Laser   float32
}

// modeTelegraphVolts separates the amplifier's current clamp and voltage clamp telegraph levels.
const modeTelegraphVolts = 2

// Encode writes r into b, which must hold RecordSize bytes.
func (r Record) Encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], uint64(r.Index))
	b[8] = 0
	if r.Mode {
		b[8] = 1
	}
	binary.LittleEndian.PutUint32(b[9:13], math.Float32bits(r.Command))
	binary.LittleEndian.PutUint32(b[13:17], math.Float32bits(r.Read))
	binary.LittleEndian.PutUint32(b[17:21], math.Float32bits(r.Laser))
}

// DecodeRecord reads one record from b.
func DecodeRecord(b []byte) Record {
	return Record{
		Index:   int64(binary.LittleEndian.Uint64(b[0:8])),
		Mode:    b[8] != 0,
		Command: math.Float32frombits(binary.LittleEndian.Uint32(b[9:13])),
		Read:    math.Float32frombits(binary.LittleEndian.Uint32(b[13:17])),
		Laser:   math.Float32frombits(binary.LittleEndian.Uint32(b[17:21])),
	}
}

// InfoItem is one key of an experiment description.
type InfoItem struct {
	Key   string
	Value string
}

// ExperimentInfo describes a recording. Keys keep their insertion order.
type ExperimentInfo []InfoItem

// Set adds or replaces key.
func (ei *ExperimentInfo) Set(key, value string) {
	for i := range *ei {
		if (*ei)[i].Key == key {
			(*ei)[i].Value = value
			return
		}
	}
	*ei = append(*ei, InfoItem{key, value})
}

// Get returns the value of key, or "".
func (ei ExperimentInfo) Get(key string) string {
	for _, item := range ei {
		if item.Key == key {
			return item.Value
		}
	}
	return ""
}

// WriteTo writes the info as a Python dictionary initializer named name_info_d.
func (ei ExperimentInfo) WriteTo(w *bufio.Writer, name string) error {
	fmt.Fprintf(w, "%s_info_d = {\n", name)
	for _, item := range ei {
		fmt.Fprintf(w, "'%s': '%s',\n", item.Key, item.Value)
	}
	fmt.Fprintln(w, "}")
	return w.Flush()
}

// RecordingStatus describes the recorder for clients.
type RecordingStatus struct {
	Active   bool
	Channel  int
	DataFile string
	Records  int64
	Pending  int
}

// Recorder writes acquired blocks of one channel to a .data file. Blocks are
// handed to a writer goroutine through an unbounded queue, so the acquisition
// reader never waits on the disk.
type Recorder struct {
	hs        HardwareSettings
	directory string

	active   bool
	channel  int
	basePath string
	queue    *unboundedchan.UnboundedChannel[AnalogBlock]
	done     chan struct{}
	writeErr error
	records  atomic.Int64
	sync.Mutex
}

// NewRecorder returns a recorder that writes below directory.
func NewRecorder(directory string, hs HardwareSettings) *Recorder {
	return &Recorder{hs: hs, directory: directory}
}

// IsActive will return whether a recording is open, with proper locking
func (rec *Recorder) IsActive() bool {
	rec.Lock()
	defer rec.Unlock()
	return rec.active
}

// makeBasePath returns <dir>/<y>_<m>_<d>/Ch<n>_<name>_<y>_<m>_<d>_<ulid>.
func makeBasePath(directory, name string, channel int, now time.Time) (string, error) {
	y, m, d := now.Date()
	folder := filepath.Join(directory, fmt.Sprintf("%d_%d_%d", y, int(m), d))
	if err := os.MkdirAll(folder, 0755); err != nil {
		return "", err
	}
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy())
	file := fmt.Sprintf("Ch%d_%s_%d_%d_%d_%s", channel+1, name, y, int(m), d, id)
	return filepath.Join(folder, file), nil
}

// Start opens a recording of channel ch (0 or 1) and returns the .data path.
// The .info file is written immediately.
func (rec *Recorder) Start(name string, ch int, info ExperimentInfo) (string, error) {
	if err := checkChannel(ch); err != nil {
		return "", err
	}
	rec.Lock()
	defer rec.Unlock()
	if rec.active {
		return "", fmt.Errorf("already recording to %s.data", rec.basePath)
	}
	basePath, err := makeBasePath(rec.directory, name, ch, time.Now())
	if err != nil {
		return "", err
	}
	dataPath := basePath + ".data"

	info = append(ExperimentInfo(nil), info...)
	if len(info) == 0 {
		info.Set("Experiment type", "Free run")
	}
	info.Set("datafile", filepath.Base(dataPath))
	info.Set("daq_rate", fmt.Sprint(rec.hs.Rate))
	info.Set("channel", fmt.Sprint(ch+1))
	info.Set("mV_per_V", fmt.Sprint(rec.hs.CommandMVPerV))
	info.Set("pA_per_V", fmt.Sprint(rec.hs.CommandPAPerV))
	infoFile, err := os.Create(basePath + ".info")
	if err != nil {
		return "", err
	}
	err = info.WriteTo(bufio.NewWriter(infoFile), name)
	if cerr := infoFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("writing experiment info: %w", err)
	}

	dataFile, err := os.Create(dataPath)
	if err != nil {
		return "", err
	}
	rec.active = true
	rec.channel = ch
	rec.basePath = basePath
	rec.writeErr = nil
	rec.records.Store(0)
	rec.queue = unboundedchan.NewUnboundedChannel[AnalogBlock]()
	rec.done = make(chan struct{})
	go rec.writeLoop(dataFile, rec.queue.Out(), ch, rec.done)
	return dataPath, nil
}

// Consume queues an acquired block for writing. It never blocks on the disk
// and ignores blocks while no recording is open.
func (rec *Recorder) Consume(block AnalogBlock) {
	rec.Lock()
	defer rec.Unlock()
	if !rec.active {
		return
	}
	rec.queue.In() <- block
}

func (rec *Recorder) writeLoop(f *os.File, blocks <-chan AnalogBlock, ch int, done chan struct{}) {
	defer close(done)
	w := bufio.NewWriterSize(f, 64*RecordSize*1024)
	var buf [RecordSize]byte
	var err error
	for block := range blocks {
		if err != nil {
			continue // keep draining so the queue empties
		}
		read := block.Row(RowElectrode1 + ch)
		mode := block.Row(RowMode1 + ch)
		command := block.Row(RowCommand1 + ch)
		laser := block.Row(RowLaser)
		for j := range read {
			r := Record{
				Index:   block.StartIndex + int64(j),
				Mode:    mode[j] > modeTelegraphVolts,
				Command: float32(command[j]),
				Read:    float32(read[j]),
				Laser:   float32(laser[j]),
			}
			r.Encode(buf[:])
			if _, err = w.Write(buf[:]); err != nil {
				ProblemLogger.Printf("Error writing to %s, recording may be incomplete: %v", f.Name(), err)
				break
			}
		}
		if err == nil {
			rec.records.Add(int64(len(read)))
		}
	}
	if ferr := w.Flush(); err == nil {
		err = ferr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	rec.Lock()
	rec.writeErr = err
	rec.Unlock()
}

// Stop closes the queue, waits for every queued block to be written, then
// flushes and closes the file. It returns the first write error, if any.
func (rec *Recorder) Stop() error {
	rec.Lock()
	if !rec.active {
		rec.Unlock()
		return nil
	}
	rec.active = false
	close(rec.queue.In())
	done := rec.done
	rec.Unlock()

	<-done
	rec.Lock()
	defer rec.Unlock()
	return rec.writeErr
}

// Status reports the state of the recorder.
func (rec *Recorder) Status() RecordingStatus {
	rec.Lock()
	defer rec.Unlock()
	st := RecordingStatus{Active: rec.active, Channel: rec.channel, Records: rec.records.Load()}
	if rec.basePath != "" {
		st.DataFile = rec.basePath + ".data"
	}
	if rec.active {
		st.Pending = rec.queue.Pending()
	}
	return st
}
