// Command gorent is a command-line BitTorrent leecher/seeder, taking a
// .torrent file path and an optional listen port, per
// original_source/bittorrent.py's __main__ block.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gorent/internal/config"
	"gorent/internal/eventloop"
	"gorent/internal/metainfo"
	"gorent/internal/session"
	"gorent/internal/store"
	"gorent/internal/swarm"
	"gorent/internal/tracker"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s <file.torrent> [port]\n", os.Args[0])
	}
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}
	if !strings.HasSuffix(args[0], ".torrent") {
		fmt.Fprintln(os.Stderr, "must be a path to a .torrent file")
		os.Exit(1)
	}

	port := 6881
	if len(args) > 1 {
		p, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid port:", args[1])
			os.Exit(1)
		}
		port = p
	}

	if err := run(args[0], uint16(port)); err != nil {
		fmt.Fprintln(os.Stderr, "gorent:", err)
		os.Exit(1)
	}
}

func run(torrentPath string, port uint16) error {
	f, err := os.Open(torrentPath)
	if err != nil {
		return fmt.Errorf("open torrent file: %w", err)
	}
	defer f.Close()

	info, err := metainfo.Parse(f)
	if err != nil {
		return err
	}

	sess, err := session.New(config.Config{}, nil)
	if err != nil {
		return err
	}
	sess.Log.Infow("starting gorent", "torrent", info.Name, "pieces", info.NumPieces())

	downloadDir := strings.TrimSuffix(filepath.Base(torrentPath), ".torrent")
	st := store.New(downloadDir, info, sess.Log, sess.Metrics)
	st.ReadLocalFiles()

	sw := swarm.New(info.InfoHash, sess.PeerID, st, info.NumPieces(), sess.Config.Scheduler, sess.Clock, sess.Log, sess.Metrics)

	track := tracker.New(info.InfoHash, sess.PeerID, port, sess.Config.Tracker, sess.Log)

	loop := eventloop.New(info, sw, st, track, sess.Config, sess.PeerID, port, sess.Log)

	return loop.Run(context.Background())
}
