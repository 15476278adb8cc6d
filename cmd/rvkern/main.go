// Command rvkern boots the kernel with the console attached to the host
// terminal.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/rvkern/rvkern"
	"github.com/rvkern/rvkern/internal/config"
	"github.com/rvkern/rvkern/internal/easyfs"
	"github.com/rvkern/rvkern/internal/logging"
)

// consoleReader feeds terminal bytes to the machine without ever blocking
// it: a pump goroutine reads stdin while Read drains whatever has arrived.
type consoleReader struct {
	ch chan byte
}

func newConsoleReader(r io.Reader) *consoleReader {
	cr := &consoleReader{ch: make(chan byte, 256)}
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := r.Read(buf)
			if n == 1 {
				cr.ch <- buf[0]
			}
			if err != nil {
				close(cr.ch)
				return
			}
		}
	}()
	return cr
}

func (cr *consoleReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	select {
	case b, ok := <-cr.ch:
		if !ok {
			return 0, io.EOF
		}
		p[0] = b
		return 1, nil
	default:
		return 0, nil
	}
}

func run() error {
	configPath := flag.String("config", config.BootFilename, "boot configuration file")
	initApp := flag.String("init", "", "override the initial application")
	logLevel := flag.String("log", "", "override the log level")
	flag.Parse()

	boot := config.DefaultBoot()
	if b, err := config.LoadBoot(*configPath); err == nil {
		boot = b
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if *initApp != "" {
		boot.Init = *initApp
	}
	if *logLevel != "" {
		boot.LogLevel = *logLevel
	}

	isTTY := term.IsTerminal(int(os.Stderr.Fd()))
	logging.Setup(os.Stderr, logging.ParseLevel(boot.LogLevel), isTTY)

	if boot.DiskImage != "" {
		disk, err := easyfs.OpenFileDisk(boot.DiskImage)
		if err != nil {
			return err
		}
		defer disk.Close()
		fs, err := easyfs.Open(disk)
		if err != nil {
			return fmt.Errorf("mount %s: %w", boot.DiskImage, err)
		}
		slog.Info("mounted easy-fs image",
			"path", boot.DiskImage,
			"total_blocks", fs.Super.TotalBlocks)
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return err
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	k, err := rvkern.New(rvkern.Options{
		Output: os.Stdout,
		Input:  newConsoleReader(os.Stdin),
		Init:   boot.Init,
	})
	if err != nil {
		return err
	}
	slog.Info("booting", "init", boot.Init, "apps", k.Apps())

	return k.Run(0)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "rvkern:", err)
		os.Exit(1)
	}
}
