package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lamelshaikh/tcpsnitch"
	"github.com/lamelshaikh/tcpsnitch/pkg/config"
)

var targetURL string

func main() {
	root := &cobra.Command{
		Use:   "snitchdemo",
		Short: "Dials --target through tcpsnitch's WrapConn and prints the output directory on exit",
		RunE:  run,
	}
	root.Flags().StringVar(&targetURL, "target", "https://www.golang.org/", "URL to GET through an instrumented connection")

	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := tcpsnitch.Init(); err != nil {
		logrus.WithError(err).Warn("tcpsnitch init failed, continuing in degraded mode")
	}
	defer tcpsnitch.RunAtExit()

	cfg := config.Load()
	dialer := &net.Dialer{Timeout: 15 * time.Second}
	client := &http.Client{
		Timeout: 15 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				conn, err := dialer.DialContext(ctx, network, addr)
				if err != nil {
					return nil, err
				}
				return tcpsnitch.WrapConn(conn), nil
			},
		},
	}

	resp, err := client.Get(targetURL)
	if err != nil {
		return fmt.Errorf("get %s: %w", targetURL, err)
	}
	defer resp.Body.Close()

	logrus.Infof("%s -> %d %s", targetURL, resp.StatusCode, resp.Status)
	if cfg.CaptureEnabled {
		logrus.Infof("capture device: %s", cfg.CaptureDevice)
	}
	fmt.Fprintf(os.Stdout, "events and capture written under %s\n", cfg.LogDir)
	return nil
}
