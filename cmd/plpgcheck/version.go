package main

import (
	"runtime/debug"

	"github.com/spf13/cobra"
)

// version is stamped by the release build; "dev" falls back to the
// module version recorded by "go install".
var version = "dev"

func buildVersion() string {
	v := version
	var rev string
	if info, ok := debug.ReadBuildInfo(); ok {
		if v == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			v = info.Main.Version
		}
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 7 {
				rev = s.Value[:7]
			}
		}
	}
	if rev != "" {
		return v + " (" + rev + ")"
	}
	return v
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("plpgcheck %s\n", buildVersion())
	},
}
