// Command pagedb-cli is an interactive driver over the buffer pool
// and B+ tree index: build an index over a relation file, run bounded
// range scans against it, and inspect buffer pool/index stats.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/pagedb/pagedb/internal/btree"
	"github.com/pagedb/pagedb/internal/buffer"
	"github.com/pagedb/pagedb/internal/storage"
	"github.com/pagedb/pagedb/internal/telemetry"
	"github.com/pagedb/pagedb/pkg/config"
)

type session struct {
	log     *zap.Logger
	cfg     config.Config
	tel     *telemetry.Telemetry
	bufMet  *telemetry.BufferMetrics
	treeMet *telemetry.TreeMetrics
	bufMgr  *buffer.BufMgr
	idx     *btree.BTreeIndex
	attrOff int
}

func main() {
	cfg := config.Default()
	args := os.Args[1:]
	if len(args) >= 2 && args[0] == "-config" {
		loaded, err := config.Load(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
		args = args[2:]
	}

	log, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	tel, _, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize telemetry: %v\n", err)
		os.Exit(1)
	}
	bufMet, err := telemetry.NewBufferMetrics(tel.Meter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to register buffer pool metrics: %v\n", err)
		os.Exit(1)
	}
	treeMet, err := telemetry.NewTreeMetrics(tel.Meter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to register tree metrics: %v\n", err)
		os.Exit(1)
	}

	s := &session{log: log, cfg: cfg, tel: tel, bufMet: bufMet, treeMet: treeMet}

	if len(args) > 0 {
		s.processCommand(args)
		return
	}

	rl, err := readline.New("pagedb> ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Println("pagedb CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				fmt.Println("\nExiting pagedb CLI.")
				return
			}
			fmt.Fprintf(os.Stderr, "error reading input: %v\n", err)
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.processCommand(strings.Fields(line))
	}
}

func (s *session) processCommand(args []string) {
	if len(args) == 0 {
		fmt.Println("error: no command provided")
		return
	}

	switch strings.ToLower(args[0]) {
	case "open":
		s.cmdOpen(args[1:])
	case "insert":
		s.cmdInsert(args[1:])
	case "build":
		s.cmdBuild(args[1:])
	case "scan":
		s.cmdScan(args[1:])
	case "stats":
		s.cmdStats()
	case "help":
		printHelp()
	case "exit", "quit":
		fmt.Println("Exiting pagedb CLI.")
		os.Exit(0)
	default:
		fmt.Println("error: unknown command, type 'help' for a list of commands")
	}
}

func (s *session) cmdOpen(args []string) {
	if len(args) < 2 {
		fmt.Println("error: open requires <relationPath> <attrByteOffset> [numFrames]")
		return
	}
	relation := args[0]
	attrOffset, err := strconv.ParseInt(args[1], 10, 32)
	if err != nil {
		fmt.Printf("error: bad attrByteOffset: %v\n", err)
		return
	}
	numFrames := s.cfg.NumFrames
	if len(args) >= 3 {
		n, err := strconv.Atoi(args[2])
		if err != nil {
			fmt.Printf("error: bad numFrames: %v\n", err)
			return
		}
		numFrames = n
	}

	bufMgr, err := buffer.NewBufMgr(numFrames, s.log, s.bufMet)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	idx, err := btree.NewBTreeIndex(relation, int32(attrOffset), btree.AttrInteger, bufMgr, s.log, s.treeMet)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	s.bufMgr, s.idx, s.attrOff = bufMgr, idx, int(attrOffset)
	fmt.Printf("opened index over %s at offset %d with %d frames\n", relation, attrOffset, numFrames)
}

func (s *session) cmdInsert(args []string) {
	if s.idx == nil {
		fmt.Println("error: no index open; run 'open' first")
		return
	}
	if len(args) < 3 {
		fmt.Println("error: insert requires <key> <pageNo> <slotNo>")
		return
	}
	key, err1 := strconv.ParseInt(args[0], 10, 32)
	pageNo, err2 := strconv.ParseInt(args[1], 10, 32)
	slotNo, err3 := strconv.ParseInt(args[2], 10, 32)
	if err1 != nil || err2 != nil || err3 != nil {
		fmt.Println("error: key, pageNo, and slotNo must be integers")
		return
	}
	rid := storage.RecordId{PageNo: storage.PageId(pageNo), SlotNo: int32(slotNo)}
	if err := s.idx.InsertEntry(int32(key), rid); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println("ok")
}

func (s *session) cmdBuild(args []string) {
	if s.idx == nil {
		fmt.Println("error: no index open; run 'open' first")
		return
	}
	if len(args) < 2 {
		fmt.Println("error: build requires <relationFile> <recordSize>")
		return
	}
	recordSize, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Printf("error: bad recordSize: %v\n", err)
		return
	}

	scan, err := storage.NewRelationFileScan(args[0], recordSize)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	defer scan.Close()

	count := 0
	for {
		rid, record, err := scan.GetNext()
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		key, err := storage.ExtractInt32Key(record, s.attrOff)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		if err := s.idx.InsertEntry(key, rid); err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		count++
	}
	fmt.Printf("built index from %d records\n", count)
}

func (s *session) cmdScan(args []string) {
	if s.idx == nil {
		fmt.Println("error: no index open; run 'open' first")
		return
	}
	if len(args) < 4 {
		fmt.Println("error: scan requires <lowVal> <GT|GTE> <highVal> <LT|LTE>")
		return
	}
	lowVal, err1 := strconv.ParseInt(args[0], 10, 32)
	lowOp, err2 := parseOp(args[1])
	highVal, err3 := strconv.ParseInt(args[2], 10, 32)
	highOp, err4 := parseOp(args[3])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		fmt.Println("error: bad scan bounds")
		return
	}

	if err := s.idx.StartScan(int32(lowVal), lowOp, int32(highVal), highOp); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	defer s.idx.EndScan()

	count := 0
	for {
		rid, err := s.idx.ScanNext()
		if err != nil {
			break
		}
		fmt.Printf("  rid = (page=%d, slot=%d)\n", rid.PageNo, rid.SlotNo)
		count++
	}
	fmt.Printf("%d matching entries\n", count)
}

func (s *session) cmdStats() {
	if s.idx == nil {
		fmt.Println("error: no index open; run 'open' first")
		return
	}
	s.idx.PrintSelf()
	s.bufMgr.PrintSelf()
	fmt.Println("pins released:", s.bufMgr.AllPinsReleased())
}

func parseOp(s string) (btree.CompareOp, error) {
	switch strings.ToUpper(s) {
	case "GT":
		return btree.GT, nil
	case "GTE":
		return btree.GTE, nil
	case "LT":
		return btree.LT, nil
	case "LTE":
		return btree.LTE, nil
	default:
		return 0, fmt.Errorf("unknown operator %q", s)
	}
}

func printHelp() {
	fmt.Println("Run with -config <path.yaml> before any other argument to override defaults.")
	fmt.Println("Commands:")
	fmt.Println("  open <relationPath> <attrByteOffset> [numFrames]")
	fmt.Println("  insert <key> <pageNo> <slotNo>")
	fmt.Println("  build <relationFile> <recordSize>")
	fmt.Println("  scan <lowVal> <GT|GTE> <highVal> <LT|LTE>")
	fmt.Println("  stats")
	fmt.Println("  help")
	fmt.Println("  exit / quit")
}
