// Command rediwire-repl is a minimal interactive line-mode client: it
// reads one RESP command per line from a raw terminal and prints the
// decoded reply, exercising the Client facade end to end.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mervinkid/rediwire"
	"github.com/mervinkid/rediwire/config"
	"golang.org/x/term"
)

func main() {
	endpoint := flag.String("endpoint", "redis://127.0.0.1:6379", "redis://, rediss://, unix://, or host:port")
	db := flag.Int("db", 0, "database index")
	flag.Parse()

	opts := config.Default()
	opts.Endpoint = *endpoint
	opts.DB = *db

	client, err := rediwire.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rediwire-repl: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	run(client)
}

func run(client *rediwire.Client) {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		// Not a terminal (piped input, CI) — fall back to plain line reading.
		repl(client, bufio.NewScanner(os.Stdin), os.Stdout)
		return
	}
	defer term.Restore(fd, oldState)

	tty := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, "rediwire> ")

	ctx := context.Background()
	for {
		line, err := tty.ReadLine()
		if err != nil {
			fmt.Fprint(os.Stdout, "\r\n")
			return
		}
		handleLine(ctx, client, line, tty)
	}
}

// repl is the non-tty fallback path (used when stdin isn't a terminal).
func repl(client *rediwire.Client, scanner *bufio.Scanner, out io.Writer) {
	ctx := context.Background()
	for scanner.Scan() {
		handleLine(ctx, client, scanner.Text(), out)
	}
}

func handleLine(ctx context.Context, client *rediwire.Client, line string, out io.Writer) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	verb, args := fields[0], fields[1:]

	argv := make([]interface{}, len(args))
	for i, a := range args {
		argv[i] = a
	}

	value, err := client.Execute(ctx, strings.ToUpper(verb), argv)
	if err != nil {
		fmt.Fprintf(out, "(error) %v\r\n", err)
		return
	}
	fmt.Fprintf(out, "%v\r\n", value)
}
