// Command kvload is the engine's example CLI front-end described by
// spec.md §6: it reads HEXKEY:HEXVALUE lines from standard input, Puts
// each, and closes the engine (triggering a final flush) on end of
// input or signal. It is grounded on
// _examples/original_source/tools/kvd.cc, the original's equivalent
// driver, reimplemented with a github.com/spf13/cobra command the way
// the teacher's cmd/ tools and cosmos-iavl-bench's bench harness build
// their flag-driven mains (memiavl/memiavl.go).
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"stridekv/engine"
	"stridekv/keyspace"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "kvload: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var (
		keyFile   string
		valueFile string
		blockSize int
		cacheSize int
	)

	cmd := &cobra.Command{
		Use:   "kvload",
		Short: "load HEXKEY:HEXVALUE lines from stdin into a stridekv store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), keyFile, valueFile, blockSize, cacheSize)
		},
	}

	cmd.Flags().StringVar(&keyFile, "keys", "keys.db", "path to the key (node) file")
	cmd.Flags().StringVar(&valueFile, "values", "values.db", "path to the value file")
	cmd.Flags().IntVar(&blockSize, "block-size", 4096, "node block size in bytes")
	cmd.Flags().IntVar(&cacheSize, "cache-size", 4096, "node cache capacity, in nodes")

	return cmd
}

func run(ctx context.Context, keyFile, valueFile string, blockSize, cacheSize int) error {
	e, err := engine.Open(engine.Config{
		KeyFilePath:   keyFile,
		ValueFilePath: valueFile,
		BlockSize:     blockSize,
		NodeCacheSize: cacheSize,
		Logger:        engine.NewLogger(),
	})
	if err != nil {
		return fmt.Errorf("opening engine: %w", err)
	}

	scanner := bufio.NewScanner(os.Stdin)
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

scanLoop:
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			break scanLoop
		default:
		}

		line := scanner.Text()
		keyHex, valueHex, ok := strings.Cut(line, ":")
		if !ok || len(keyHex) != keyspace.ByteLen*2 {
			return fmt.Errorf("malformed line %q: want %d hex chars before ':'", line, keyspace.ByteLen*2)
		}
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return fmt.Errorf("decoding key %q: %w", keyHex, err)
		}
		value, err := hex.DecodeString(valueHex)
		if err != nil {
			return fmt.Errorf("decoding value %q: %w", valueHex, err)
		}
		if err := e.Put(key, value); err != nil {
			if closeErr := e.Close(); closeErr != nil {
				return fmt.Errorf("put %q: %w (close also failed: %v)", keyHex, err, closeErr)
			}
			return fmt.Errorf("put %q: %w", keyHex, err)
		}
		fmt.Fprintln(out, keyHex)
	}
	if err := scanner.Err(); err != nil {
		e.Close()
		return fmt.Errorf("reading stdin: %w", err)
	}

	return e.Close()
}
