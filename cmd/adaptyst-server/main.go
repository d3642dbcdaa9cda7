// adaptyst-server is the standalone ingest peer: it accepts profiling
// sessions delegated with "adaptyst -a" and stores their results locally.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresailer/Adaptyst/internal/archive"
	"github.com/andresailer/Adaptyst/internal/ingest"
	"github.com/andresailer/Adaptyst/internal/logger"
	"github.com/andresailer/Adaptyst/internal/transport"
)

func main() {
	var (
		host        string
		advertise   string
		port        int
		dir         string
		bufSize     int
		fileTimeout int
		quiet       bool
		once        bool
	)

	root := &cobra.Command{
		Use:   "adaptyst-server",
		Short: "Remote ingest peer for adaptyst sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init("info", "", quiet); err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
			acc, err := transport.ListenTCP(host, port, false)
			if err != nil {
				return err
			}
			defer acc.Close()
			logger.Info("listening", "host", host, "port", acc.Port(), "dir", dir)

			for {
				ctrl, err := acc.Accept(bufSize, 0)
				if err != nil {
					return err
				}
				logger.Info("session connected")
				serve(ctrl, host, advertise, dir, bufSize, time.Duration(fileTimeout)*time.Second)
				if once {
					return nil
				}
			}
		},
	}

	f := root.Flags()
	f.StringVar(&host, "host", "0.0.0.0", "Address to listen on")
	f.StringVar(&advertise, "advertise", "", "Host published in dial instructions (defaults to the listen address)")
	f.IntVar(&port, "port", 5000, "Control port")
	f.StringVar(&dir, "dir", ".", "Directory session results are stored under")
	f.IntVar(&bufSize, "buffer", 64*1024, "Connection buffer size in bytes")
	f.IntVar(&fileTimeout, "file-timeout", 30, "Per-read timeout during file upload, seconds")
	f.BoolVarP(&quiet, "quiet", "q", false, "Only print errors")
	f.BoolVar(&once, "once", false, "Exit after a single session")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "adaptyst-server: %v\n", err)
		os.Exit(2)
	}
}

// serve runs one session to completion. Sessions are serialized: the ingest
// protocol owns the whole listener while a session is live.
func serve(ctrl transport.Connection, host, advertise, dir string, bufSize int, fileTimeout time.Duration) {
	bind := func() (*transport.TCPAcceptor, error) {
		acc, err := transport.ListenTCP(host, 0, true)
		if err != nil {
			return nil, err
		}
		if advertise != "" {
			acc.SetAdvertiseHost(advertise)
		}
		return acc, nil
	}

	fileAcc, err := bind()
	if err != nil {
		logger.Error("file acceptor not bound", "err", err)
		ctrl.Close()
		return
	}
	defer fileAcc.Close()

	client := ingest.NewClient(ctrl, ingest.Options{
		WorkDir: dir,
		NewDataAcceptor: func() (transport.Acceptor, error) {
			acc, err := bind()
			if err != nil {
				return nil, err
			}
			return acc, nil
		},
		FileAcceptor:  fileAcc,
		Archiver:      archive.ZipArchiver{},
		BufSize:       bufSize,
		AcceptTimeout: 30 * time.Second,
		FileTimeout:   fileTimeout,
	})
	if err := client.Run(); err != nil {
		logger.Error("session failed", "err", err)
		return
	}
	logger.Info("session finished", "command", client.ProfiledFilename)
}
