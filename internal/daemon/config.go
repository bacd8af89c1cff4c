// Package daemon owns process-level configuration: parsing the node's
// plain-text config file into a domain.Config, the same
// DefaultConfig()/LoadConfig() shape the teacher's own daemon package uses
// (see config_test.go), generalized from the teacher's nested
// API/Models/Inference sections to the spec's fixed line-oriented format.
package daemon

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hyparview/hyparview/internal/domain"
)

// DefaultConfig returns the parameter set recommended by the HyParView
// paper and used throughout the spec's worked examples: active view 5,
// passive view 30, ARWL 6, PRWL 3.
func DefaultConfig() domain.Config {
	return domain.Config{
		ActiveViewSize:          5,
		PassiveViewSize:         30,
		ActiveRandomWalkLength:  6,
		PassiveRandomWalkLength: 3,
		ShufflePeriodSeconds:    30,
		ShuffleActiveViewCount:  3,
		ShufflePassiveViewCount: 4,
		ShuffleWalkLength:       6,
	}
}

// LoadConfig parses the fixed 7-line configuration file at path:
//
//	1. local address A.B.C.D:P
//	2. contact nodes: comma-separated A.B.C.D:P list (may be empty)
//	3. arwl,prwl
//	4. active_view_size,passive_view_size
//	5. shuffle_period_seconds
//	6. shuffle_active_view_count,shuffle_passive_view_count
//	7. shuffle_walk_length
//
// Every numeric field is an unsigned 8-bit integer (per spec §6); a
// malformed or missing file returns domain.ErrConfigMissing or
// domain.ErrConfigMalformed, both fatal at startup.
func LoadConfig(path string) (domain.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.Config{}, fmt.Errorf("%w: %s: %v", domain.ErrConfigMissing, path, err)
	}
	defer f.Close()

	lines := make([]string, 0, 7)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, strings.TrimSpace(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return domain.Config{}, fmt.Errorf("%w: %s: %v", domain.ErrConfigMalformed, path, err)
	}
	if len(lines) != 7 {
		return domain.Config{}, fmt.Errorf("%w: %s: expected 7 lines, got %d", domain.ErrConfigMalformed, path, len(lines))
	}

	var cfg domain.Config

	selfID, err := domain.ParsePeerID(lines[0])
	if err != nil {
		return domain.Config{}, fmt.Errorf("%w: %s: line 1 (self address): %v", domain.ErrConfigMalformed, path, err)
	}
	cfg.SelfID = selfID

	if lines[1] != "" {
		for _, addr := range strings.Split(lines[1], ",") {
			p, err := domain.ParsePeerID(strings.TrimSpace(addr))
			if err != nil {
				return domain.Config{}, fmt.Errorf("%w: %s: line 2 (contact nodes): %v", domain.ErrConfigMalformed, path, err)
			}
			cfg.ContactNodes = append(cfg.ContactNodes, p)
		}
	}

	arwl, prwl, err := parseUint8Pair(lines[2])
	if err != nil {
		return domain.Config{}, fmt.Errorf("%w: %s: line 3 (arwl,prwl): %v", domain.ErrConfigMalformed, path, err)
	}
	cfg.ActiveRandomWalkLength, cfg.PassiveRandomWalkLength = arwl, prwl

	activeSize, passiveSize, err := parseIntPair(lines[3])
	if err != nil {
		return domain.Config{}, fmt.Errorf("%w: %s: line 4 (active_view_size,passive_view_size): %v", domain.ErrConfigMalformed, path, err)
	}
	cfg.ActiveViewSize, cfg.PassiveViewSize = activeSize, passiveSize

	shufflePeriod, err := parseUint8(lines[4])
	if err != nil {
		return domain.Config{}, fmt.Errorf("%w: %s: line 5 (shuffle_period_seconds): %v", domain.ErrConfigMalformed, path, err)
	}
	cfg.ShufflePeriodSeconds = shufflePeriod

	shuffleActive, shufflePassive, err := parseUint8Pair(lines[5])
	if err != nil {
		return domain.Config{}, fmt.Errorf("%w: %s: line 6 (shuffle_active_view_count,shuffle_passive_view_count): %v", domain.ErrConfigMalformed, path, err)
	}
	cfg.ShuffleActiveViewCount, cfg.ShufflePassiveViewCount = shuffleActive, shufflePassive

	shuffleWalk, err := parseUint8(lines[6])
	if err != nil {
		return domain.Config{}, fmt.Errorf("%w: %s: line 7 (shuffle_walk_length): %v", domain.ErrConfigMalformed, path, err)
	}
	cfg.ShuffleWalkLength = shuffleWalk

	return cfg, nil
}

func parseUint8(s string) (uint8, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8)
	if err != nil {
		return 0, err
	}
	return uint8(n), nil
}

func parseUint8Pair(s string) (uint8, uint8, error) {
	a, b, err := splitPair(s)
	if err != nil {
		return 0, 0, err
	}
	x, err := parseUint8(a)
	if err != nil {
		return 0, 0, err
	}
	y, err := parseUint8(b)
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

func parseIntPair(s string) (int, int, error) {
	a, b, err := splitPair(s)
	if err != nil {
		return 0, 0, err
	}
	x, err := parseUint8(a)
	if err != nil {
		return 0, 0, err
	}
	y, err := parseUint8(b)
	if err != nil {
		return 0, 0, err
	}
	return int(x), int(y), nil
}

func splitPair(s string) (string, string, error) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("expected two comma-separated values, got %q", s)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}
