// Command kvcli is a one-shot client for the key-value server: it sends
// the arguments given on the command line as a single request and
// prints the decoded reply. With --bench it instead fires N copies of
// the request back to back and reports throughput.
package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/vbauerster/mpb"
	"github.com/vbauerster/mpb/decor"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/holisticode/kvstore/protocol"
)

var (
	addrFlag = cli.StringFlag{
		Name:  "addr",
		Usage: "server address",
		Value: "127.0.0.1:3000",
	}
	benchFlag = cli.IntFlag{
		Name:  "bench",
		Usage: "send the request N times back to back and report throughput",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "kvcli"
	app.Usage = "send one command to a kvserver and print its reply"
	app.Flags = []cli.Flag{addrFlag, benchFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "kvcli:", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	args := ctx.Args()
	if len(args) == 0 {
		return fmt.Errorf("usage: kvcli [--addr host:port] CMD [ARG ...]")
	}

	addr := ctx.String(addrFlag.Name)
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	frame, err := protocol.EncodeRequest([]string(args)...)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	if n := ctx.Int(benchFlag.Name); n > 0 {
		return bench(conn, frame, n)
	}

	v, err := roundTrip(conn, frame)
	if err != nil {
		return err
	}
	printValue(ctx, v)
	return nil
}

// roundTrip sends frame and reads back exactly one decoded reply value.
func roundTrip(conn net.Conn, frame []byte) (protocol.Value, error) {
	if _, err := conn.Write(frame); err != nil {
		return protocol.Value{}, fmt.Errorf("write: %w", err)
	}

	header := make([]byte, 4)
	if err := readFull(conn, header); err != nil {
		return protocol.Value{}, fmt.Errorf("read header: %w", err)
	}
	total, _ := protocol.FrameLen(header)
	payload := make([]byte, total)
	if err := readFull(conn, payload); err != nil {
		return protocol.Value{}, fmt.Errorf("read payload: %w", err)
	}

	v, _, err := protocol.DecodeValue(payload)
	if err != nil {
		return protocol.Value{}, fmt.Errorf("decode reply: %w", err)
	}
	return v, nil
}

func readFull(conn net.Conn, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}

// bench issues frame n times sequentially over conn, rendering progress
// with an mpb bar, and reports elapsed time and throughput on completion.
func bench(conn net.Conn, frame []byte, n int) error {
	progress := mpb.New(mpb.WithWidth(64))
	bar := progress.AddBar(int64(n),
		mpb.PrependDecorators(decor.Name("kvcli bench")),
		mpb.AppendDecorators(decor.CountersNoUnit("%d / %d")),
	)

	start := time.Now()
	for i := 0; i < n; i++ {
		if _, err := roundTrip(conn, frame); err != nil {
			return fmt.Errorf("request %d: %w", i, err)
		}
		bar.Incr(1)
	}
	progress.Wait()

	elapsed := time.Since(start)
	fmt.Printf("%d requests in %s (%.0f req/s)\n", n, elapsed, float64(n)/elapsed.Seconds())
	return nil
}

func printValue(ctx *cli.Context, v protocol.Value) {
	w := io.Writer(os.Stdout)
	if isatty.IsTerminal(os.Stdout.Fd()) {
		w = colorable.NewColorableStdout()
	}
	fmt.Fprintln(w, formatValue(v))
}

func formatValue(v protocol.Value) string {
	switch v.Tag() {
	case protocol.TagNil:
		return "(nil)"
	case protocol.TagStr:
		return v.AsStr()
	case protocol.TagInt:
		return fmt.Sprintf("%d", v.AsInt())
	case protocol.TagDbl:
		return fmt.Sprintf("%g", v.AsDbl())
	case protocol.TagErr:
		return fmt.Sprintf("(error %d) %s", v.ErrCode(), v.AsStr())
	case protocol.TagArr:
		parts := make([]string, len(v.Elems()))
		for i, e := range v.Elems() {
			parts[i] = formatValue(e)
		}
		return strings.Join(parts, "\n")
	default:
		return "(unknown reply)"
	}
}
