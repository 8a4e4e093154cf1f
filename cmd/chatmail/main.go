// Command chatmail is a minimal wiring example: it opens an account
// database, attaches an event printer and starts IO until interrupted.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hkdb/chatmail"
)

func main() {
	dbfile := flag.String("db", "chatmail.sqlite", "path to the account database")
	addr := flag.String("addr", "", "account address (stored into the config on first run)")
	flag.Parse()

	ctx, err := chatmail.New(*dbfile, 1, func(ev chatmail.Event) {
		fmt.Printf("event: %#v\n", ev)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open context: %v\n", err)
		os.Exit(1)
	}
	defer ctx.Close()

	if *addr != "" {
		if err := ctx.SetConfig(chatmail.ConfigAddr, *addr); err != nil {
			fmt.Fprintf(os.Stderr, "failed to set address: %v\n", err)
			os.Exit(1)
		}
	}

	info, err := ctx.GetInfo()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get info: %v\n", err)
		os.Exit(1)
	}
	for key, value := range info {
		fmt.Printf("%s=%s\n", key, value)
	}

	ctx.StartIO()
	defer ctx.StopIO()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
