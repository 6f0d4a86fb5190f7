// Command zapctl is the controller's user-facing CLI: a thin client that
// drives internal/controller's control-plane operations against a pair of
// already-running zapd station services.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zapnet/zapnet/internal/controller"
	"github.com/zapnet/zapnet/internal/zapwire"
)

func main() {
	txAddr := flag.String("tx", "", "Transmitting station's host:port")
	rxAddr := flag.String("rx", "", "Receiving station's host:port")
	tid := flag.Uint("tid", 1, "Test id shared by both stations")
	payloadLen := flag.Uint("payload-length", 1024, "Bytes per data frame")
	batches := flag.Uint("batches", 10, "Total batches to send")
	batchSize := flag.Uint("batch-size", 100, "Payloads per batch")
	payloadDelay := flag.Duration("payload-delay", 0, "Delay between payloads within a batch")
	batchDelay := flag.Duration("batch-delay", 0, "Delay between batches")
	maxTestTime := flag.Duration("max-test-time", 30*time.Second, "Upper bound on total test duration")
	tcp := flag.Bool("tcp", false, "Carry data frames over TCP instead of UDP")
	batchCompletion := flag.Bool("batch-completion", false, "Require DataComplete/DataCompleteResponse acking")
	asynchronous := flag.Uint("asynchronous", 1, "Max outstanding batches when batch-completion is set")
	ipTOS := flag.Uint("ip-tos", 0, "IP_TOS value applied to the TX-to-RX data connection")
	jsonOut := flag.Bool("json", false, "Emit results as JSON")
	timeout := flag.Duration("timeout", time.Minute, "Overall deadline for the whole run")
	flag.Parse()

	if *txAddr == "" || *rxAddr == "" {
		fmt.Fprintln(os.Stderr, "zapctl: -tx and -rx are required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	tcpFlag := uint32(0)
	if *tcp {
		tcpFlag = 1
	}
	batchCompletionFlag := uint32(0)
	if *batchCompletion {
		batchCompletionFlag = 1
	}

	shared := zapwire.StationConfig{
		PayloadTransmitDelay: uint32(payloadDelay.Microseconds()),
		BatchTransmitDelay:   uint32(batchDelay.Microseconds()),
		PayloadLength:        uint32(*payloadLen),
		Batches:              uint32(*batches),
		BatchSize:            uint32(*batchSize),
		Asynchronous:         uint32(*asynchronous),
		BatchCompletion:      batchCompletionFlag,
		TCP:                  tcpFlag,
		MaxTestTime:          uint32(maxTestTime.Seconds()),
		IPTOS:                uint32(*ipTOS),
	}

	txCfg := shared
	txCfg.TX = 1
	rxCfg := shared
	rxCfg.TX = 0

	plan := controller.Plan{
		TID:      uint32(*tid),
		TXAddr:   *txAddr,
		RXAddr:   *rxAddr,
		TXConfig: txCfg,
		RXConfig: rxCfg,
	}

	result, err := controller.Run(ctx, plan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "zapctl: %v\n", err)
		if len(result.Reports) == 0 {
			os.Exit(1)
		}
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result.Reports)
		return
	}

	for _, r := range result.Reports {
		fmt.Printf("batch=%d received=%d dropped=%d out_of_order=%d repeated=%d bits_per_second=%d\n",
			r.Batch, r.Received, r.Dropped, r.OutOfOrder, r.Repeated, r.BitsPerSecond)
	}
}
