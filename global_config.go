package varlet

import (
	"io"
	"log"
	"os"
	"time"
)

// Portnumbers structs can contain all TCP port numbers used by Varlet.
type Portnumbers struct {
	RPC    int
	Status int
	Data   int
}

// Ports globally holds all TCP port numbers used by Varlet.
var Ports Portnumbers

func setPortnumbers(base int) {
	Ports.RPC = base
	Ports.Status = base + 1
	Ports.Data = base + 2
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Gitdate string
	Date    string
	Summary string
	Host    string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.3.1",
	Githash: "no git hash computed",
	Gitdate: "no git date computed",
	Date:    "no build date computed",
	Summary: "no build summary computed",
	Host:    "host not detected",
}

// VarletStartTime is a global holding the time init() was run
var VarletStartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log client status updates to a file
var UpdateLogger *log.Logger

func init() {
	setPortnumbers(5500)
	VarletStartTime = time.Now()

	// Varlet main program will override these, but at least initialize with sensible values
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(io.Discard, "", log.LstdFlags)
}
