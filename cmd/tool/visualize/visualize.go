package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/danl5/golobby/pkg/election"
	"github.com/danl5/golobby/pkg/registry"
)

var (
	outputDir = flag.String("o", "./fsm_visual", "output directory")
)

func main() {
	flag.Parse()

	e, err := election.NewElection(slog.Default())
	if err != nil {
		panic(err)
	}

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		panic(err)
	}
	graphs := map[string]string{
		"election.dot": e.Visualize(),
		"lobby.dot":    registry.New().Visualize(),
	}
	for name, graph := range graphs {
		if err := writeGraph(filepath.Join(*outputDir, name), graph); err != nil {
			panic(err)
		}
	}

	fmt.Println("Visualization finished")
}

func writeGraph(path, graph string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(graph)
	return err
}
