// scooter-control logs into a scooter and runs commands against it, either
// from the command line or in an interactive shell.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/google/shlex"

	"github.com/miscooter/scooter-command/pkg/cli"
	"github.com/miscooter/scooter-command/pkg/connector/ble"
	"github.com/miscooter/scooter-command/pkg/protocol"
	"github.com/miscooter/scooter-command/pkg/scooter"
)

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

func Usage() {
	fmt.Printf("Usage: %s -address MAC [OPTION...] [COMMAND [ARG...]]\n", os.Args[0])
	fmt.Println("\nWithout a COMMAND, starts an interactive shell.")
	fmt.Println("\nAvailable COMMANDs:")
	maxLength := 0
	var labels []string
	for command := range commands {
		labels = append(labels, command)
		if len(command) > maxLength {
			maxLength = len(command)
		}
	}
	sort.Strings(labels)
	for _, command := range labels {
		info := commands[command]
		fmt.Printf("  %s%s %s", command, strings.Repeat(" ", maxLength-len(command)), info.help)
		if info.args != "" {
			fmt.Printf(" (%s)", info.args)
		}
		fmt.Println("")
	}
}

func runCommand(ctx context.Context, session *scooter.Session, args []string) int {
	if err := execute(ctx, session, args); err != nil {
		if protocol.MayHaveSucceeded(err) {
			writeErr("Couldn't verify success: %s", err)
		} else {
			writeErr("Failed to execute command: %s", err)
		}
		return 1
	}
	return 0
}

func runInteractiveShell(ctx context.Context, session *scooter.Session) int {
	scanner := bufio.NewScanner(os.Stdin)
	for fmt.Printf("> "); scanner.Scan(); fmt.Printf("> ") {
		args, err := shlex.Split(scanner.Text())
		if err != nil {
			writeErr("Invalid command: %s", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" || args[0] == "quit" {
			return 0
		}
		runCommand(ctx, session, args)
	}
	if err := scanner.Err(); err != nil {
		writeErr("Error reading command: %s", err)
		return 1
	}
	return 0
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	config := cli.NewConfig()
	if err := config.Parse(); err != nil {
		writeErr("%s", err)
		Usage()
		return
	}

	token, err := config.LoadToken()
	if err != nil {
		writeErr("%s", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	connCtx, cancel := context.WithTimeout(ctx, config.Timeout)
	transport, err := ble.Find(connCtx, config.Address)
	cancel()
	if err != nil {
		writeErr("Could not find scooter %s: %s", config.Address, err)
		return
	}
	defer transport.Close()

	loginCtx, cancel := context.WithTimeout(ctx, config.Timeout)
	session, err := scooter.Login(loginCtx, transport, token, config.SessionOptions()...)
	cancel()
	if err != nil {
		writeErr("Login failed: %s", err)
		return
	}
	defer session.Close()

	if args := config.Args(); len(args) > 0 {
		status = runCommand(ctx, session, args)
		return
	}
	status = runInteractiveShell(ctx, session)
}
