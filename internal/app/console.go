package app

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"pubphone/internal/phone"
)

// console reads user commands from stdin and drives the phone API.
func console(ctx context.Context, ph *phone.Phone, number, peerID string) {
	in := bufio.NewScanner(os.Stdin)
	fmt.Println("Commands: dial <peer-id> | answer | reject | hangup | id | quit")

	for in.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(in.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "dial":
			if len(fields) != 2 {
				fmt.Println("usage: dial <peer-id>")
				continue
			}
			err = ph.Dial(ctx, fields[1])
		case "answer":
			err = ph.Answer(ctx)
		case "reject":
			err = ph.Reject(ctx)
		case "hangup":
			err = ph.Hangup(ctx)
		case "id":
			fmt.Printf("number:  %s\npeer id: %s\n", number, peerID)
			continue
		case "quit", "exit":
			_ = ph.Hangup(ctx)
			fmt.Println("bye")
			os.Exit(0)
		default:
			fmt.Printf("unknown command %q\n", fields[0])
			continue
		}

		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}
