package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/oldmanfleming/smoldb/client"
	"github.com/oldmanfleming/smoldb/storage"
)

const usage = `usage: smolcli [flags] <command> [args]

commands:
  get <key>          get the value of a given key
  set <key> <value>  set the value of a key
  rm <key>           remove a given key
  ls                 list all keys
`

func main() {
	var (
		addr     = flag.String("addr", "127.0.0.1:4001", "server address")
		poolSize = flag.Int64("pool-size", 1, "connection pool capacity")
		timeout  = flag.Duration("timeout", 10*time.Second, "per-call timeout")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := client.New(log.NewNopLogger(), *addr, *poolSize)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, c, args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *client.Client, args []string) error {
	switch args[0] {
	case "get":
		if len(args) != 2 {
			return errors.New("get takes exactly one key")
		}
		value, ok, err := c.Get(ctx, args[1])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Key not found")
			return nil
		}
		fmt.Println(string(value))
		return nil

	case "set":
		if len(args) != 3 {
			return errors.New("set takes a key and a value")
		}
		return c.Set(ctx, args[1], []byte(args[2]))

	case "rm":
		if len(args) != 2 {
			return errors.New("rm takes exactly one key")
		}
		err := c.Remove(ctx, args[1])
		if errors.Is(err, storage.ErrKeyNotFound) {
			return errors.Errorf("key not found: %s", args[1])
		}
		return err

	case "ls":
		keys, err := c.List(ctx)
		if err != nil {
			return err
		}
		for _, key := range keys {
			fmt.Println(key)
		}
		return nil

	default:
		return errors.Errorf("unknown command: %s", args[0])
	}
}
