package varlet

import (
	"fmt"
	"log"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/usnistgov/varlet/internal/lwla"
)

func simpleClient() (*rpc.Client, error) {
	serverAddress := fmt.Sprintf("localhost:%d", Ports.RPC)
	retries := 5
	wait := 10 * time.Millisecond
	tries := 1
	for {
		// One command to dial AND set up jsonrpc client:
		client, err := jsonrpc.Dial("tcp", serverAddress)
		tries++
		if err == nil || tries > retries {
			return client, err
		}
		time.Sleep(wait)
		wait = wait * 2
	}
}

func TestServer(t *testing.T) {
	client, err := simpleClient()
	defer client.Close()
	if err != nil {
		t.Fatalf("Could not connect simpleClient() to RPC server")
	}

	// Test the silly multiply feature
	type Args struct {
		A, B int
	}
	args := &Args{33, 0}
	var reply int
	for b := 10; b < 11; b++ {
		args.B = b
		err = client.Call("SourceControl.Multiply", args, &reply)
		if err != nil {
			t.Errorf("SourceControl.Multiply error on call: %s", err.Error())
		}
		if reply != args.A*args.B {
			t.Errorf("SourceControl.Multiply: %d * %d = %d, want %d\n", args.A, args.B, reply, args.A*args.B)
		}
	}

	// Test a basic configuration
	var okay bool
	simConfig := SimLogicSourceConfig{
		Model: "LWLA1034", Pattern: "counter", Nsamples: 5000,
	}
	err = client.Call("SourceControl.ConfigureSimLogicSource", &simConfig, &okay)
	if !okay {
		t.Errorf("Error on server with SourceControl.ConfigureSimLogicSource()")
	}
	if err != nil {
		t.Errorf("Error calling SourceControl.ConfigureSimLogicSource(): %s", err.Error())
	}
	limits := CaptureLimitsConfig{SampleRate: 100000000}
	err = client.Call("SourceControl.ConfigureCaptureLimits", &limits, &okay)
	if !okay {
		t.Errorf("Error on server with SourceControl.ConfigureCaptureLimits()")
	}
	if err != nil {
		t.Errorf("Error calling SourceControl.ConfigureCaptureLimits(): %s", err.Error())
	}

	// Test trigger configuration, good and out-of-range
	trig := TriggerConfig{Spec: lwla.TriggerSpec{
		Stages: [][]lwla.TriggerMatch{{{Channel: 3, Kind: lwla.TriggerRising}}}}}
	if err = client.Call("SourceControl.ConfigureTriggers", &trig, &okay); err != nil {
		t.Error("error on ConfigureTriggers:", err)
	}
	badtrig := TriggerConfig{Spec: lwla.TriggerSpec{
		Stages: [][]lwla.TriggerMatch{{{Channel: 99, Kind: lwla.TriggerOne}}}}}
	if err = client.Call("SourceControl.ConfigureTriggers", &badtrig, &okay); err == nil {
		t.Error("expected error on ConfigureTriggers with channel 99, saw none")
	}

	// Try to start and stop with a wrong name
	sourceName := "harrypotter"
	err = client.Call("SourceControl.Start", &sourceName, &okay)
	if err == nil {
		t.Errorf("Expected error calling SourceControl.Start(\"%s\") with wrong name, saw none", sourceName)
	}
	err = client.Call("SourceControl.Stop", sourceName, &okay)
	if err == nil {
		t.Errorf("expected error on Stopping when there is no active source")
	}
	dummy := ""
	err = client.Call("SourceControl.SendAllStatus", &dummy, &okay)
	if err != nil {
		t.Error("Error calling SourceControl.SendAllStatus():", err)
	}

	// Try to start and stop with a sensible name
	sourceName = "SimLogicSource"
	err = client.Call("SourceControl.Start", &sourceName, &okay)
	if err != nil {
		t.Errorf("Error calling SourceControl.Start(%s): %s", sourceName, err.Error())
	}
	if !okay {
		t.Errorf("SourceControl.Start(\"%s\") returns !okay, want okay", sourceName)
	}
	err = client.Call("SourceControl.Start", &sourceName, &okay)
	if err == nil {
		t.Errorf("expected error when starting Source while a source is active")
	}
	err = client.Call("SourceControl.Stop", sourceName, &okay)
	if err != nil {
		t.Logf(err.Error())
		t.Errorf("Error calling SourceControl.Stop(%s)", sourceName)
	}
	time.Sleep(time.Millisecond * 400)

	// here test all methods that expect an active source to make sure they error appropriately
	// otherwise you will get incomprehensible stack traces when they error unexpectedly
	if err := client.Call("SourceControl.Stop", sourceName, &okay); err == nil {
		t.Errorf("expected error stopping source when no source is active")
	}
	wconfig := WriteControlConfig{Request: "Start", WriteVCD: true}
	if err := client.Call("SourceControl.WriteControl", &wconfig, &okay); err == nil {
		t.Error("expected error on WriteControl when no source is active")
	}
	sconfig := StateLabelConfig{Label: "B"}
	if err := client.Call("SourceControl.SetExperimentStateLabel", &sconfig, &okay); err == nil {
		t.Error("expected error on SetExperimentStateLabel when no source is active")
	}

	// Make sure nonsense configurations raise errors
	simConfig.Nsamples = 0
	err = client.Call("SourceControl.ConfigureSimLogicSource", &simConfig, &okay)
	if err == nil {
		t.Errorf("Expected error on server with SourceControl.ConfigureSimLogicSource() when Nsamples<1, %t %v", okay, err)
	}
	simConfig = SimLogicSourceConfig{Model: "LWLA9999", Pattern: "counter", Nsamples: 100}
	err = client.Call("SourceControl.ConfigureSimLogicSource", &simConfig, &okay)
	if err == nil {
		t.Errorf("Expected error on server with SourceControl.ConfigureSimLogicSource() with unknown model")
	}

	// Probe maps: loading a real file works, a missing one doesn't
	mapfile := filepath.Join(t.TempDir(), "probes.txt")
	if err := os.WriteFile(mapfile, []byte("0 CLK\n1 nRST\n5 DATA0\n"), 0664); err != nil {
		t.Fatal(err)
	}
	if err := client.Call("ProbeMapServer.Load", &mapfile, &okay); err != nil {
		t.Error("Error calling ProbeMapServer.Load():", err)
	}
	if !okay {
		t.Errorf("ProbeMapServer.Load(%q) returns !okay, want okay", mapfile)
	}
	missing := filepath.Join(t.TempDir(), "doesnotexist.txt")
	if err := client.Call("ProbeMapServer.Load", &missing, &okay); err == nil {
		t.Error("expected error on ProbeMapServer.Load with a missing file, saw none")
	}
	zero := 0
	if err := client.Call("ProbeMapServer.Unload", &zero, &okay); err != nil {
		t.Error("Error calling ProbeMapServer.Unload():", err)
	}

	// The LWLA source should start okay but then fail asynchronously,
	// because no analyzer hardware is attached.
	sourceName = "LWLASource"
	err = client.Call("SourceControl.Start", &sourceName, &okay)
	if err != nil {
		t.Errorf("Error calling SourceControl.Start(%s): %s", sourceName, err.Error())
	}
	if !okay {
		t.Errorf("SourceControl.Start(\"%s\") returns !okay, want okay", sourceName)
	}
	time.Sleep(time.Millisecond * 400)
	if err := client.Call("SourceControl.Stop", sourceName, &okay); err == nil {
		t.Errorf("expected error stopping source when the LWLA start has failed")
	}
}

// verifyConfigFile checks that path/filename exists, and creates the directory
// and file if it doesn't.
func verifyConfigFile(path, filename string) error {
	u, err := user.Current()
	if err != nil {
		return err
	}
	path = strings.Replace(path, "$HOME", u.HomeDir, 1)

	// Create directory <path>, if needed
	_, err = os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		err = os.MkdirAll(path, 0775)
		if err != nil {
			return err
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := fmt.Sprintf("%s/%s", path, filename)
	_, err = os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err != nil {
			return err
		}
		f.Close()
	}
	return nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("Verbose", false)

	const path string = "$HOME/.varlet"
	const filename string = "testconfig"
	const suffix string = ".yaml"
	if err := verifyConfigFile(path, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(path)
	viper.AddConfigPath(".")
	err := viper.ReadInConfig() // Find and read the config file
	if err != nil {             // Handle errors reading the config file
		return fmt.Errorf("error reading config file: %s", err)
	}

	// Set up different ports for testing than you'd use otherwise
	setPortnumbers(33000)
	return nil
}

func TestMain(m *testing.M) {
	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}

	// call flag.Parse() here if TestMain uses flags
	abort := make(chan struct{})
	go RunClientUpdater(Ports.Status, abort)
	go RunRPCServer(Ports.RPC, nil, abort)
	// set log to write to a file
	f, err := os.Create("varlettestlogfile")
	if err != nil {
		log.Fatalf("error opening file: %v", err)
	}
	defer f.Close()
	log.SetOutput(f)

	// run tests
	os.Exit(m.Run())
}
