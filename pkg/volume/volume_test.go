package volume

import (
	"context"
	"testing"
	"time"

	"github.com/user/blockpipe"
)

type nullLogger struct{}

func (nullLogger) Debug(string, ...interface{}) {}
func (nullLogger) Info(string, ...interface{})  {}
func (nullLogger) Warn(string, ...interface{})  {}
func (nullLogger) Error(string, ...interface{}) {}

var _ blockpipe.Logger = nullLogger{}

func TestChangerRunsAutoloaderCommand(t *testing.T) {
	c := &Changer{AutoloadCmd: "true", Logger: nullLogger{}}
	if err := c.Run(context.Background(), "output"); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestChangerFailsWithoutAutoloaderOrTerminal(t *testing.T) {
	c := &Changer{Logger: nullLogger{}}
	if err := c.Run(context.Background(), "input"); err == nil {
		t.Fatal("expected error with no autoloader command and no prompter")
	}
}

func TestChangerRespectsAutoloadDelay(t *testing.T) {
	c := &Changer{AutoloadCmd: "true", AutoloadDelay: 10 * time.Millisecond, Logger: nullLogger{}}
	start := time.Now()
	if err := c.Run(context.Background(), "output"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("expected Run to wait out the autoload delay")
	}
}
