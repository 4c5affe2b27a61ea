// Program quad runs one compute node of a process grid, attached to
// its neighbors by pipes.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/quad"
	"github.com/creachadair/quad/link"
)

var flags struct {
	Left    int    `flag:"left,PID of the neighbor to the left"`
	Right   int    `flag:"right,PID of the neighbor to the right"`
	Up      int    `flag:"up,PID of the neighbor above"`
	Down    int    `flag:"down,PID of the neighbor below"`
	Base    int    `flag:"base,default=3,First descriptor after the standard streams"`
	Config  string `flag:"config,Optional TOML file giving neighbor PIDs"`
	Verbose bool   `flag:"v,Log protocol tokens to stderr"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Run a compute node attached to its neighbors by pipes.",
		Commands: []*command.C{
			{
				Name:     "run",
				Help:     "Run a node and exchange placeholder traffic with its neighbors.",
				SetFlags: command.Flags(flax.MustBind, &flags),
				Run:      runNode,
			},
			{
				Name:  "layout",
				Usage: "<side> [<base>]",
				Help: `Print the descriptor block for a side.

The block lists, in order, the descriptor numbers of the output-read
(keep-alive), output-write, input-read, and input-write ends of the
side's channel. A neighbor attaches to the mirrored side's block.`,
				Run: runLayout,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// neighborFile is the schema of the optional TOML config file, an
// alternative to giving neighbor PIDs as flags.
type neighborFile struct {
	Left  int `toml:"left"`
	Right int `toml:"right"`
	Up    int `toml:"up"`
	Down  int `toml:"down"`
	Base  int `toml:"base"`
}

// loadConfig merges the config file, if one was named, with the
// command-line flags. A flag explicitly set to a nonzero value takes
// precedence over the file.
func loadConfig() (quad.Config, error) {
	cfg := quad.Config{Base: flags.Base}
	if flags.Config != "" {
		var nf neighborFile
		if _, err := toml.DecodeFile(flags.Config, &nf); err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfg.Left, cfg.Right, cfg.Up, cfg.Down = nf.Left, nf.Right, nf.Up, nf.Down
		if nf.Base != 0 {
			cfg.Base = nf.Base
		}
	}
	if flags.Left != 0 {
		cfg.Left = flags.Left
	}
	if flags.Right != 0 {
		cfg.Right = flags.Right
	}
	if flags.Up != 0 {
		cfg.Up = flags.Up
	}
	if flags.Down != 0 {
		cfg.Down = flags.Down
	}
	return cfg, nil
}

func runNode(env *command.Env) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	n, err := quad.New(cfg)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	defer n.Close()

	if flags.Verbose {
		n.LogTokens(func(t quad.TokenInfo) { log.Print(t) })
	}
	fmt.Fprintf(os.Stderr, "PID of this node: %d\n", os.Getpid())

	// Placeholder traffic until the node runs a real program: nodes
	// with at least one neighbor configured send PID-derived values on
	// the wildcard port, the rest read and report whatever arrives.
	x := int32(os.Getpid() % 100)
	if cfg.Left+cfg.Right+cfg.Up+cfg.Down > 0 {
		for {
			for _, v := range []int32{100 + x, 200 + x, 300 + x} {
				fmt.Fprintf(os.Stderr, "Sending %d...", v)
				if err := n.Write(v, quad.Any); err != nil {
					return err
				}
				fmt.Fprintln(os.Stderr, "done")
			}
		}
	}
	for {
		v, err := n.Read(quad.Any)
		if err != nil {
			return err
		}
		s, _ := n.Last()
		fmt.Fprintf(os.Stderr, "Received %d from %v\n", v, s)
		time.Sleep(time.Second)
	}
}

func runLayout(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("Missing side argument")
	}
	var side quad.Side
	switch env.Args[0] {
	case "left", "LEFT":
		side = quad.Left
	case "right", "RIGHT":
		side = quad.Right
	case "up", "UP":
		side = quad.Up
	case "down", "DOWN":
		side = quad.Down
	default:
		return env.Usagef("Unknown side %q", env.Args[0])
	}
	base := 3
	if len(env.Args) > 1 {
		b, err := strconv.Atoi(env.Args[1])
		if err != nil {
			return env.Usagef("Invalid base %q", env.Args[1])
		}
		base = b
	}
	off := link.Offset(int(side), base)
	fmt.Printf("%v block (mirror %v):\n", side, side.Opposite())
	for i, role := range []string{"output-read", "output-write", "input-read", "input-write"} {
		fmt.Printf("  %d  %s\n", off+i, role)
	}
	return nil
}
