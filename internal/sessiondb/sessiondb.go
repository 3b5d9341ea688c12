// Package sessiondb logs rig activity, acquisition sessions and recorded files
// to a ClickHouse database.
package sessiondb

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/cenkalti/backoff"
)

const databaseName = "patchcommander" // official SQL name of the database

const timeFormat = "2006-01-02 15:04:05.000000"

// inserter is the part of clickhouse.Conn the connection uses after opening.
type inserter interface {
	AsyncInsert(ctx context.Context, query string, wait bool, args ...any) error
	Close() error
}

// Options say where the database is and how long to keep trying to reach it.
type Options struct {
	Address    string
	MaxElapsed time.Duration // total time spent retrying the first connection
}

// Connection owns the database link. A Connection that never connected
// ignores every record request, so callers need not check.
type Connection struct {
	conn     inserter
	errLock  sync.Mutex
	err      error
	activity *ActivityMessage
	messages chan func(context.Context) error
	logger   *log.Logger
	sync.WaitGroup
}

// IsConnected tells whether records are being written.
func (db *Connection) IsConnected() bool {
	if db == nil || db.conn == nil {
		return false
	}
	db.errLock.Lock()
	defer db.errLock.Unlock()
	return db.err == nil
}

// Err returns the error that disconnected the database, if any.
func (db *Connection) Err() error {
	if db == nil {
		return nil
	}
	db.errLock.Lock()
	defer db.errLock.Unlock()
	return db.err
}

func (db *Connection) setErr(err error) {
	db.errLock.Lock()
	if db.err == nil {
		db.err = err
	}
	db.errLock.Unlock()
}

// Connect opens and pings the server, retrying with exponential backoff.
func Connect(opts Options) (clickhouse.Conn, error) {
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("PATCHCOMMANDER_DB_USER"),
		Password: os.Getenv("PATCHCOMMANDER_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "patchcommander", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:        []string{opts.Address},
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: time.Second,
	}

	var conn clickhouse.Conn
	op := func() error {
		c, err := clickhouse.Open(&opt)
		if err != nil {
			return err
		}
		if err = c.Ping(context.Background()); err != nil {
			var exception *clickhouse.Exception
			if errors.As(err, &exception) {
				err = fmt.Errorf("exception [%d] %s", exception.Code, exception.Message)
			}
			c.Close()
			return err
		}
		conn = c
		return nil
	}
	maxElapsed := opts.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = 5 * time.Second
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         time.Second,
		MaxElapsedTime:      maxElapsed,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, fmt.Errorf("connecting to ClickHouse at %s: %w", opts.Address, err)
	}
	return conn, nil
}

// Start connects, logs the activity entry and starts the goroutine that
// writes records until abort is closed. When the server cannot be reached,
// the returned Connection is disconnected and Err says why.
func Start(opts Options, activity *ActivityMessage, abort <-chan struct{}, logger *log.Logger) *Connection {
	conn, err := Connect(opts)
	if err != nil {
		db := Dummy(logger)
		db.err = err
		return db
	}
	db := newConnection(conn, activity, logger)
	go db.handleConnection(abort)
	return db
}

// Dummy returns a Connection that records nothing.
func Dummy(logger *log.Logger) *Connection {
	if logger == nil {
		logger = log.Default()
	}
	return &Connection{logger: logger}
}

func newConnection(conn inserter, activity *ActivityMessage, logger *log.Logger) *Connection {
	if logger == nil {
		logger = log.Default()
	}
	db := &Connection{
		conn:     conn,
		activity: activity,
		messages: make(chan func(context.Context) error, 64),
		logger:   logger,
	}
	db.Add(1)
	db.insert(context.Background(), db.activityInsert)
	return db
}

func (db *Connection) insert(ctx context.Context, fn func(context.Context) error) {
	if !db.IsConnected() {
		return
	}
	if err := fn(ctx); err != nil {
		db.logger.Printf("Database insert failed, no further records will be written: %v", err)
		db.setErr(err)
	}
}

func (db *Connection) activityInsert(ctx context.Context) error {
	if db.activity == nil {
		return nil
	}
	const nowait = false
	a := db.activity
	return db.conn.AsyncInsert(ctx, `INSERT INTO activity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		a.ID, a.Hostname, a.Version, a.Githash, a.GoVersion, a.CPUs,
		a.Start.Format(timeFormat), a.End.Format(timeFormat))
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	ctx := context.Background()
	for {
		select {
		case <-abort:
			db.drain(ctx)
			db.disconnect(ctx)
			return
		case fn := <-db.messages:
			db.insert(ctx, fn)
		}
	}
}

func (db *Connection) drain(ctx context.Context) {
	for {
		select {
		case fn := <-db.messages:
			db.insert(ctx, fn)
		default:
			return
		}
	}
}

// disconnect updates the activity end time and closes the connection.
func (db *Connection) disconnect(ctx context.Context) {
	if db.activity != nil {
		db.activity.End = time.Now()
		db.insert(ctx, db.activityInsert)
	}
	if err := db.conn.Close(); err != nil {
		db.logger.Printf("Closing database connection: %v", err)
	}
}

// enqueue hands fn to the writer goroutine without blocking the caller.
func (db *Connection) enqueue(fn func(context.Context) error) {
	if !db.IsConnected() {
		return
	}
	select {
	case db.messages <- fn:
	default:
		db.logger.Printf("Database queue is full, dropping a record")
	}
}

// RecordSession logs the start or (with End set) the end of a session.
func (db *Connection) RecordSession(msg SessionMessage) {
	if !db.IsConnected() {
		return
	}
	if db.activity != nil {
		msg.ActivityID = db.activity.ID
	}
	db.enqueue(func(ctx context.Context) error {
		const nowait = false
		return db.conn.AsyncInsert(ctx, `INSERT INTO sessions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
			msg.ID, msg.ActivityID, msg.Session, msg.Experiment, msg.Rate, msg.MaxSamples,
			msg.Start.Format(timeFormat), msg.End.Format(timeFormat), msg.Error)
	})
}

// RecordFile logs a closed data file.
func (db *Connection) RecordFile(msg FileMessage) {
	db.enqueue(func(ctx context.Context) error {
		const nowait = false
		return db.conn.AsyncInsert(ctx, `INSERT INTO files VALUES (?, ?, ?, ?, ?, ?, ?)`, nowait,
			msg.SessionID, msg.Filename, msg.Channel, msg.Records, msg.Size,
			msg.Start.Format(timeFormat), msg.End.Format(timeFormat))
	})
}
