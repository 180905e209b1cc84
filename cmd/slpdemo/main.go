// Command slpdemo exercises an in-process SLP transmitter and receiver
// pair over an injectable-loss loop transport, printing a final tally of
// deliveries, retransmits, and NACKs. It's a demonstration harness, not
// part of the protocol core.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/go-slp/slp/internal/looptransport"
	"github.com/go-slp/slp/internal/slplog"
	"github.com/go-slp/slp/pkg/slp"
)

// Version is inserted at build using --ldflags -X.
var Version = "(unknown version)"

type demoArgs struct {
	count      int
	dropSeq    uint64
	logLevel   string
	bufferSize int
}

func main() {
	args := demoArgs{}

	cmd := &cobra.Command{
		Use:           "slpdemo",
		Short:         "slpdemo",
		Long:          "slpdemo - run an in-process SLP transmitter/receiver pair and report the outcome",
		SilenceErrors: true,
		SilenceUsage:  true,
		Version:       Version,
	}
	cmd.Flags().IntVar(&args.count, "count", 10, "number of payloads to submit")
	cmd.Flags().Uint64Var(&args.dropSeq, "drop-seq", 0, "a DATA sequence number to drop once (0 disables)")
	cmd.Flags().StringVar(&args.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	cmd.Flags().IntVar(&args.bufferSize, "buffer-size", 64, "per-channel loop transport buffer depth")

	cmd.RunE = func(_ *cobra.Command, _ []string) error {
		return runDemo(args)
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDemo(args demoArgs) error {
	level, err := logrus.ParseLevel(args.logLevel)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(slplog.WithLogrus(context.Background(), level))
	defer cancel()

	cfg := slp.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}

	var loss looptransport.LossModel
	if args.dropSeq != 0 {
		loss = looptransport.NewDropOnce(looptransport.DropSpec{Channel: looptransport.ChanData, Seq: slp.Seq(args.dropSeq)})
	}
	loop := looptransport.NewLoop(args.bufferSize, loss)

	delivered := make(chan struct {
		seq     slp.Seq
		payload []byte
	}, args.count)
	consumer := slp.ConsumerFunc(func(seq slp.Seq, payload []byte) {
		delivered <- struct {
			seq     slp.Seq
			payload []byte
		}{seq, payload}
	})

	tx, err := slp.NewTxCore(cfg, loop.TxSide())
	if err != nil {
		return err
	}
	rx, err := slp.NewRxCore(cfg, loop.RxSide(), consumer)
	if err != nil {
		return err
	}

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})
	g.Go("tx", tx.Run)
	g.Go("rx", rx.Run)
	g.Go("producer", func(ctx context.Context) error {
		return produce(ctx, tx, args.count)
	})
	g.Go("report", func(ctx context.Context) error {
		err := report(ctx, tx, rx, delivered, args.count)
		cancel()
		return err
	})

	return g.Wait()
}

func produce(ctx context.Context, tx *slp.TxCore, count int) error {
	producerUUID := uuid.New()
	producerID := binary.LittleEndian.Uint64(producerUUID[:8])
	fmt.Printf("producer id %s (%d)\n", producerUUID, producerID)
	for i := 0; i < count; i++ {
		payload := []byte(fmt.Sprintf("payload-%04d", i))
		if _, err := tx.Submit(ctx, producerID, payload); err != nil {
			return err
		}
	}
	return nil
}

func report(ctx context.Context, tx *slp.TxCore, rx *slp.RxCore, delivered <-chan struct {
	seq     slp.Seq
	payload []byte
}, count int) error {
	seen := 0
	for seen < count {
		select {
		case <-ctx.Done():
			return nil
		case d := <-delivered:
			seen++
			fmt.Printf("delivered seq=%d payload=%q (%d/%d)\n", d.seq, d.payload, seen, count)
		case <-time.After(10 * time.Second):
			return fmt.Errorf("timed out after delivering %d/%d", seen, count)
		}
	}
	txStats := tx.Stats()
	rxStats := rx.Stats()
	fmt.Printf("tx: submitted=%d delivered=%d retransmits_data=%d retransmits_poll=%d polls_sent=%d acks_received=%d nacks_received=%d\n",
		txStats.Submitted, txStats.Delivered, txStats.RetransmitsData, txStats.RetransmitsPoll,
		txStats.PollsSent, txStats.AcksReceived, txStats.NacksReceived)
	fmt.Printf("rx: delivered=%d duplicates=%d crc_dropped=%d retrans_data_dropped=%d retrans_poll_dropped=%d polls_received=%d acks_sent=%d nacks_sent=%d\n",
		rxStats.Delivered, rxStats.DuplicatesDropped, rxStats.CRCDropped, rxStats.RetransDataDropped,
		rxStats.RetransPollDropped, rxStats.PollsReceived, rxStats.AcksSent, rxStats.NacksSent)
	return nil
}
