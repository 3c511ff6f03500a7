// Package varletdb records daemon activity and capture metadata in a
// ClickHouse database.
package varletdb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"
)

type Connection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *ActivityMessage
	capturemsg    chan *CaptureMessage
	filemsg       chan *CaptureFileMessage
	sync.WaitGroup
}

const databaseName = "varlet" // official SQL name of the database

// Timestamps are stored with microsecond resolution.
const timeFormat = "2006-01-02 15:04:05.000000"

// NewID returns a fresh ULID string, used as the primary key in every table.
func NewID() string {
	return ulid.Make().String()
}

func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// ActivityID returns the ID of the daemon-lifetime activity record, or ""
// when no record was opened.
func (db *Connection) ActivityID() string {
	if db == nil || db.activityEntry == nil {
		return ""
	}
	return db.activityEntry.ID
}

func PingServer() error {
	db := createConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected")
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	db.conn.Close()
	return nil
}

func StartConnection(activity *ActivityMessage, abort <-chan struct{}) *Connection {
	conn := createConnection()
	conn.activityEntry = activity
	conn.logActivity()
	go conn.handleConnection(abort)
	return conn
}

// DummyConnection returns a Connection that is not connected to any
// server. All Record* calls on it are no-ops.
func DummyConnection() *Connection {
	db := &Connection{}
	db.Add(1)
	return db
}

func createConnection() *Connection {

	db := &Connection{}
	dbUser := os.Getenv("VARLET_DB_USER")
	dbPass := os.Getenv("VARLET_DB_PASSWORD")
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: dbUser,
		Password: dbPass,
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "varlet", Version: "unknown"},
		},
	}
	opt :=
		clickhouse.Options{
			Addr:       []string{"localhost:9000"},
			Auth:       auth,
			ClientInfo: client,
			TLS:        nil,
		}
	ctx := context.Background()
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn
	db.Add(1)

	// Ping the server at the DB connection.
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.capturemsg = make(chan *CaptureMessage)
	db.filemsg = make(chan *CaptureFileMessage)
	return db
}

func (db *Connection) logActivity() {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	ae := db.activityEntry
	formattedStart := ae.Start.Format(timeFormat)
	formattedEnd := ae.End.Format(timeFormat)
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO varletactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into varletactivity ", err)
		db.err = err
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case cmsg := <-db.capturemsg:
			db.handleCaptureMessage(cmsg)
		case fmsg := <-db.filemsg:
			db.handleFileMessage(fmsg)
		}
	}
}

func (db *Connection) Disconnect() {
	if db.IsConnected() {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
}

// RecordCapture takes a CaptureMessage and stores it in the DB (if it's open).
// This function will block until the select statement in `handleConnection`
// accepts the message.
// WARNING: Don't change this blocking behavior! It is how we ensure that a capture
// is entered in the DB before any corresponding calls to `RecordFile` begin.
// Without the blocking, there would be a race between the 2 kinds of DB entries,
// and some capture files would be entered without valid capture IDs.
func (db *Connection) RecordCapture(msg *CaptureMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.capturemsg <- msg
}

// FinishCapture re-records a capture with its end time and outcome filled in.
func (db *Connection) FinishCapture(msg *CaptureMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	go func() { db.capturemsg <- msg }()
}

func (db *Connection) RecordFile(msg *CaptureFileMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.filemsg <- msg }()
}

func (db *Connection) handleCaptureMessage(m *CaptureMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedStart := m.Start.Format(timeFormat)
	formattedEnd := m.End.Format(timeFormat)
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO captures VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.ActivityID, m.Source, m.Model,
		m.SampleRate, m.LimitSamples, m.LimitMsec, m.ChannelMask, m.TriggerEnable,
		m.Samples, m.DurationMsec, m.Outcome, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into captures ", err)
		db.err = err
	}
}

func (db *Connection) handleFileMessage(m *CaptureFileMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedStart := m.Start.Format(timeFormat)
	formattedEnd := m.End.Format(timeFormat)

	if err := db.conn.AsyncInsert(ctx, `INSERT INTO capturefiles VALUES (?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.CaptureID, m.Filename, m.Filetype, m.Samples, m.Size,
		formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into capturefiles ", err)
		db.err = err
	}
}
