//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package main

import (
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/weaviate/segmentkv/usecases/config"
)

func main() {
	a := newApp(os.Stdin, os.Stdout)
	defer a.shutdown()

	if _, err := newParser(a).Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		a.logger().WithError(err).Error("command failed")
		a.shutdown()
		os.Exit(1)
	}
}

// Options are the options shared by all commands
type Options struct {
	config.Flags

	Segment int    `short:"s" long:"segment" description:"id of the segment to operate on" default:"0"`
	Type    string `long:"type" description:"type of keys and values" default:"string"`
}

func newParser(a *app) *flags.Parser {
	parser := flags.NewParser(&a.opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.ShortDescription = "operate segmentkv segments on disk"

	commands := []struct {
		name, short string
		data        interface{}
	}{
		{"stats", "show the state and file layout of a segment", &statsCommand{app: a}},
		{"get", "print the value of a key", &getCommand{app: a}},
		{"put", "write a key", &putCommand{app: a}},
		{"delete", "delete a key", &deleteCommand{app: a}},
		{"dump", "print all live entries in key order", &dumpCommand{app: a}},
		{"import", "import tab separated key value lines in any order", &importCommand{app: a}},
		{"flush", "persist the write cache", &flushCommand{app: a}},
		{"compact", "merge index and delta files into a new version", &compactCommand{app: a}},
		{"split", "move the upper half of the keys into a new segment", &splitCommand{app: a}},
		{"verify-chunks", "read and check every chunk of the current files", &verifyCommand{app: a}},
		{"maintain", "run background flushes and compactions for a while", &maintainCommand{app: a}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, "", c.data); err != nil {
			panic(err)
		}
	}
	return parser
}
