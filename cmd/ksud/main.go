package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kernelsu/ksud/internal/cli"
)

var version = "dev"
var commit = "unknown"
var versionCode = "0"

func versionString() string {
	v := strings.TrimSpace(version)
	if v == "" {
		v = "dev"
	}
	c := strings.TrimSpace(commit)
	if c == "" || strings.EqualFold(c, "unknown") {
		return v
	}
	if strings.Contains(v, c) {
		return v
	}
	return v + "+" + c
}

func build() cli.Build {
	code, err := strconv.ParseInt(strings.TrimSpace(versionCode), 10, 32)
	if err != nil {
		code = 0
	}
	return cli.Build{Version: versionString(), VersionCode: int32(code)}
}

func main() {
	// Installed as su, the binary behaves like su and takes su's flags.
	if filepath.Base(os.Args[0]) == "su" {
		os.Exit(cli.SuMain(build(), os.Args[1:]))
	}

	ctx := context.Background()
	if err := cli.NewRoot(build()).ExecuteContext(ctx); err != nil {
		var ee *cli.ExitError
		if errors.As(err, &ee) {
			if msg := ee.Message(); msg != "" {
				fmt.Fprintln(os.Stderr, msg)
			}
			os.Exit(ee.Code())
		}
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
