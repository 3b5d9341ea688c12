package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/oklog/ulid/v2"
	"github.com/patchlab/patchcommander"
	"github.com/patchlab/patchcommander/daqhw"
	"github.com/patchlab/patchcommander/internal/sessiondb"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if err := os.MkdirAll(dir, 0775); err != nil {
		return "", err
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix.
func setupViper() error {
	HOME, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("finding user home dir: %w", err)
	}
	dotDir := filepath.Join(HOME, ".patchcommander")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotDir, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/patchcommander"))
	viper.AddConfigPath(dotDir)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	return log.New(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	}, "", log.LstdFlags)
}

// openDevice returns the DAQ device to run on.
func openDevice(cfg patchcommander.Config, simulate bool) (daqhw.Device, error) {
	if !simulate {
		return nil, errors.New("no DAQ board driver is built into this binary; run with -simulate")
	}
	sim := cfg.Simulator
	return daqhw.NewNoHardware(cfg.Hardware.Device, daqhw.SimConfig{
		Routes:     daqhw.DefaultWiring(cfg.Hardware.Device, sim.LoopbackGain),
		NoiseVolts: sim.NoiseVolts,
		Seed:       sim.Seed,
	}), nil
}

func main() {
	patchcommander.Build.Date = buildDate
	patchcommander.Build.Githash = githash
	if host, err := os.Hostname(); err == nil {
		patchcommander.Build.Host = host
	} else {
		patchcommander.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	simulate := flag.Bool("simulate", false, "run on the simulated DAQ board")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is patchcommander version %s\n", patchcommander.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is patchcommander version %s (git commit %s)\n", patchcommander.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".patchcommander", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	patchcommander.ProblemLogger = startLogger(problemname)
	patchcommander.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	patchcommander.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}
	cfg, err := patchcommander.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}
	patchcommander.UpdateLogger.Printf("Using config file %s:\n%s", viper.ConfigFileUsed(), spew.Sdump(cfg))
	if limit, err := patchcommander.PipeMaxSize(); err == nil {
		patchcommander.UpdateLogger.Printf("fs.pipe-max-size is %d bytes", limit)
	}

	device, err := openDevice(cfg, *simulate)
	if err != nil {
		log.Fatal(err)
	}

	abort := make(chan struct{})
	db := sessiondb.Dummy(patchcommander.ProblemLogger)
	if cfg.Database.Enabled {
		activity := &sessiondb.ActivityMessage{
			ID:        ulid.Make().String(),
			Hostname:  patchcommander.Build.Host,
			Version:   patchcommander.Build.Version,
			Githash:   githash,
			GoVersion: runtime.Version(),
			CPUs:      runtime.NumCPU(),
			Start:     patchcommander.StartTime,
		}
		db = sessiondb.Start(sessiondb.Options{Address: cfg.Database.Address}, activity, abort, patchcommander.ProblemLogger)
		if err := db.Err(); err != nil {
			fmt.Printf("Session database is not available: %v\n", err)
		}
	}

	updater := patchcommander.NewClientUpdater(1000)
	go func() {
		if err := updater.Run(patchcommander.Ports.Status, abort); err != nil {
			log.Fatal(err)
		}
	}()

	rig, err := patchcommander.NewRig(cfg, device, updater, db)
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Pipe.Enabled {
		if err := rig.ConnectCompanion(cfg.Pipe.Command, cfg.Pipe.Args...); err != nil {
			patchcommander.ProblemLogger.Printf("Could not start companion %s: %v", cfg.Pipe.Command, err)
		}
	}
	broadcastsDone := make(chan struct{})
	go func() {
		rig.RunBroadcasts(abort)
		close(broadcastsDone)
	}()

	if err := patchcommander.RunRPCServer(rig, patchcommander.Ports.RPC, abort); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Listening for JSON-RPC on port %d, publishing status on port %d\n",
		patchcommander.Ports.RPC, patchcommander.Ports.Status)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	fmt.Println("\nShutting down")
	close(abort)
	select {
	case <-broadcastsDone:
	case <-time.After(5 * time.Second):
		patchcommander.ProblemLogger.Print("Timed out stopping the rig")
	}
	db.Wait()
	writeMemoryProfile(memprofile)
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}

	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
