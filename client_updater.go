package patchcommander

// Contain the ClientUpdater object, which publishes JSON-encoded messages
// giving the latest rig state.

import (
	"encoding/json"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"
	"golang.org/x/time/rate"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// ClientUpdater queues tagged state for the ZMQ publisher. Publishing never
// blocks the caller: when the queue is full the update is dropped.
type ClientUpdater struct {
	messages chan ClientUpdate
	dropped  rate.Sometimes
}

// NewClientUpdater returns an updater that queues up to capacity messages.
func NewClientUpdater(capacity int) *ClientUpdater {
	return &ClientUpdater{
		messages: make(chan ClientUpdate, capacity),
		dropped:  rate.Sometimes{Interval: 10 * time.Second},
	}
}

// Publish queues state to be sent under tag.
func (cu *ClientUpdater) Publish(tag string, state interface{}) {
	select {
	case cu.messages <- ClientUpdate{tag, state}:
	default:
		cu.dropped.Do(func() {
			ProblemLogger.Printf("Client update queue is full, dropping %s messages", tag)
		})
	}
}

// Run forwards every queued message to a ZMQ PUB socket on portstatus until
// abort is closed. Each message is two frames: the tag, then the JSON state.
func (cu *ClientUpdater) Run(portstatus int, abort <-chan struct{}) error {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	pubSocket.SetLinger(0)
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	if err = pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("binding status publisher to %s: %w", hostname, err)
	}

	for {
		select {
		case <-abort:
			return nil
		case update := <-cu.messages:
			message, err := json.Marshal(update.state)
			if err != nil {
				ProblemLogger.Printf("Could not encode %s update: %v", update.tag, err)
				continue
			}
			if update.tag != "LIVE" && update.tag != "SEALTEST" {
				UpdateLogger.Printf("%s %s", update.tag, message)
			}
			if _, err = pubSocket.SendMessage(update.tag, message); err != nil {
				ProblemLogger.Printf("Could not publish %s update: %v", update.tag, err)
			}
		}
	}
}
