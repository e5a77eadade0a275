package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/park285/chess-overlay/internal/board"
	"github.com/park285/chess-overlay/internal/control"
	"github.com/park285/chess-overlay/internal/overlay"
	"github.com/park285/chess-overlay/internal/remote"
)

func main() {
	addr := flag.String("addr", envOr("OVERLAY_REMOTE", "ws://127.0.0.1:7878"), "overlay remote base url")
	watch := flag.Duration("watch", 0, "follow the scene stream for this long after sending")
	timeout := flag.Duration("timeout", 5*time.Second, "per-command timeout")
	flag.Usage = usage
	flag.Parse()

	client := remote.NewClient(*addr, 5, nil)
	args := flag.Args()

	if len(args) > 0 {
		ev, err := parseCommand(args)
		if err != nil {
			log.Printf("%v", err)
			usage()
			os.Exit(2)
		}
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		err = client.Send(ctx, ev)
		cancel()
		if err != nil {
			log.Fatalf("%s failed: %v", ev.Kind, err)
		}
		fmt.Printf("%s ok\n", ev.Kind)
	}

	if *watch <= 0 {
		if len(args) == 0 {
			usage()
			os.Exit(2)
		}
		return
	}

	client.OnStateChange(func(st remote.State) {
		log.Printf("stream state: %s", st)
	})
	client.OnScene(func(sc overlay.Scene) {
		raw, _ := json.Marshal(struct {
			Generation uint64 `json:"generation"`
			Arrows     int    `json:"arrows"`
			Status     string `json:"status"`
		}{sc.Generation, len(sc.Arrows), sc.Status.Text})
		fmt.Println(string(raw))
	})

	cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ccancel()
	if err := client.Watch(cctx); err != nil {
		log.Fatalf("watch error: %v", err)
	}

	// Observe for the requested window
	t := time.NewTimer(*watch)
	<-t.C

	sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer scancel()
	_ = client.Close(sctx)
}

func parseCommand(args []string) (control.Event, error) {
	ev := control.Event{Kind: control.Kind(strings.ToLower(args[0]))}
	rest := args[1:]
	switch ev.Kind {
	case control.SetSide:
		if len(rest) != 1 {
			return ev, fmt.Errorf("set-side needs white|black")
		}
		side, err := board.ParseSide(rest[0])
		if err != nil {
			return ev, err
		}
		ev.Side = board.SideName(side)
	case control.SetOrientation:
		if len(rest) != 1 {
			return ev, fmt.Errorf("set-orientation needs white-bottom|black-bottom")
		}
		o, err := board.ParseOrientation(rest[0])
		if err != nil {
			return ev, err
		}
		ev.Orientation = o.String()
	case control.SetAutoOrient:
		if len(rest) != 1 {
			return ev, fmt.Errorf("set-auto-orientation needs on|off")
		}
		on, err := parseSwitch(rest[0])
		if err != nil {
			return ev, err
		}
		ev.Enabled = on
	case control.SetRegion:
		if len(rest) != 4 {
			return ev, fmt.Errorf("set-region needs x y width height")
		}
		var n [4]int
		for i, s := range rest {
			v, err := strconv.Atoi(s)
			if err != nil {
				return ev, fmt.Errorf("region %q: %w", s, err)
			}
			n[i] = v
		}
		ev.Region = &board.Region{X: n[0], Y: n[1], Width: n[2], Height: n[3]}
	}
	return ev, ev.Validate()
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("expected on|off, got %q", s)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func usage() {
	fmt.Fprintln(os.Stderr, strings.Join([]string{
		"usage: overlayctl [-addr ws://host:port] [-watch 10s] <command> [args]",
		"",
		"  start | stop | pause | resume",
		"  toggle-side | set-side white|black",
		"  toggle-orientation | set-orientation white-bottom|black-bottom",
		"  set-auto-orientation on|off",
		"  set-region x y width height",
		"  save-settings",
	}, "\n"))
}
