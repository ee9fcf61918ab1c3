// Package appcontext carries the per-process state shared by datastore
// operations: who is running them, where events go and how they log.
package appcontext

import (
	"os"
	"os/user"
	"runtime"
	"strings"

	"github.com/PlakarLabs/backupstore/events"
	"github.com/PlakarLabs/backupstore/logging"
	"github.com/PlakarLabs/backupstore/profiler"
	"github.com/denisbrodbeck/machineid"
)

type Context struct {
	events   *events.Receiver
	logger   *logging.Logger
	profiler *profiler.Profiler

	numCPU      int
	username    string
	hostname    string
	commandLine string
	machineID   string

	operatingSystem string
	architecture    string
	processID       int
}

func NewContext() *Context {
	return &Context{
		events:   events.New(),
		logger:   logging.NewDiscard(),
		profiler: profiler.New(),
	}
}

// NewFromEnvironment fills a context with the identity of the running
// process.
func NewFromEnvironment() *Context {
	ctx := NewContext()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	ctx.SetHostname(strings.ToLower(hostname))

	if pwUser, err := user.Current(); err == nil {
		ctx.SetUsername(pwUser.Username)
	}

	if machineID, err := machineid.ProtectedID("backupstore"); err == nil {
		ctx.SetMachineID(machineID)
	}

	ctx.SetNumCPU(runtime.NumCPU())
	ctx.SetOperatingSystem(runtime.GOOS)
	ctx.SetArchitecture(runtime.GOARCH)
	ctx.SetProcessID(os.Getpid())
	ctx.SetCommandLine(strings.Join(os.Args, " "))
	return ctx
}

func (c *Context) Close() {
	c.events.Close()
}

func (c *Context) Events() *events.Receiver {
	return c.events
}

func (c *Context) SetLogger(logger *logging.Logger) {
	c.logger = logger
}

func (c *Context) GetLogger() *logging.Logger {
	return c.logger
}

func (c *Context) GetProfiler() *profiler.Profiler {
	return c.profiler
}

func (c *Context) SetNumCPU(numCPU int) {
	c.numCPU = numCPU
}

func (c *Context) GetNumCPU() int {
	return c.numCPU
}

func (c *Context) SetUsername(username string) {
	c.username = username
}

func (c *Context) GetUsername() string {
	return c.username
}

func (c *Context) SetHostname(hostname string) {
	c.hostname = hostname
}

func (c *Context) GetHostname() string {
	return c.hostname
}

func (c *Context) SetCommandLine(commandLine string) {
	c.commandLine = commandLine
}

func (c *Context) GetCommandLine() string {
	return c.commandLine
}

func (c *Context) SetMachineID(machineID string) {
	c.machineID = machineID
}

func (c *Context) GetMachineID() string {
	return c.machineID
}

func (c *Context) SetOperatingSystem(operatingSystem string) {
	c.operatingSystem = operatingSystem
}

func (c *Context) GetOperatingSystem() string {
	return c.operatingSystem
}

func (c *Context) SetArchitecture(architecture string) {
	c.architecture = architecture
}

func (c *Context) GetArchitecture() string {
	return c.architecture
}

func (c *Context) SetProcessID(processID int) {
	c.processID = processID
}

func (c *Context) GetProcessID() int {
	return c.processID
}
