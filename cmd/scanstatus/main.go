package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/starling-fm/starling/scanner"
)

func main() {
	var (
		path  = flag.String("progress", "scan_progress.json", "Path to the scanner progress file")
		watch = flag.Bool("watch", false, "Poll and redraw until the scan completes")
		every = flag.Duration("interval", 2*time.Second, "Poll interval with -watch")
	)
	flag.Parse()

	if !*watch {
		snap, err := scanner.ReadSnapshot(*path)
		if err != nil {
			log.Fatalf("reading progress file: %v", err)
		}
		render(snap)
		return
	}

	for {
		snap, err := scanner.ReadSnapshot(*path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Println("waiting for scan to start...")
				time.Sleep(*every)
				continue
			}
			log.Fatalf("reading progress file: %v", err)
		}

		fmt.Print("\033[H\033[2J")
		render(snap)
		if !snap.IsRunning {
			return
		}
		time.Sleep(*every)
	}
}

func render(snap *scanner.Snapshot) {
	header := color.New(color.FgCyan, color.Bold)
	label := color.New(color.FgWhite)
	value := color.New(color.FgGreen)

	state := color.GreenString("running")
	if !snap.IsRunning {
		state = color.YellowString("idle")
	}

	header.Printf("starling scan (%s)\n", snap.ScanType)
	label.Print("  state:    ")
	fmt.Println(state)
	label.Print("  artist:   ")
	value.Println(snap.CurrentArtist)
	label.Print("  album:    ")
	value.Println(snap.CurrentAlbum)
	label.Print("  phase:    ")
	value.Println(snap.CurrentPhase)
	label.Print("  artists:  ")
	value.Printf("%d/%d\n", snap.ProcessedArtists, snap.TotalArtists)
	label.Print("  tracks:   ")
	value.Printf("%d/%d\n", snap.ProcessedTracks, snap.TotalTracks)
	label.Print("  elapsed:  ")
	value.Printf("%s\n", time.Duration(snap.ElapsedSeconds*float64(time.Second)).Round(time.Second))
	label.Print("  progress: ")
	renderBar(snap.PercentComplete)

	if snap.Stats != nil {
		fmt.Println()
		header.Println("pass summary")
		fmt.Printf("  %s\n", snap.Stats.String())
	}
}

func renderBar(pct float64) {
	const width = 40
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := int(pct / 100 * width)
	bar := ""
	for i := 0; i < width; i++ {
		if i < filled {
			bar += "="
		} else {
			bar += " "
		}
	}
	fmt.Printf("[%s] %s\n", color.GreenString(bar), color.New(color.Bold).Sprintf("%.1f%%", pct))
}
