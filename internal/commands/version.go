package commands

import (
	"github.com/cinderd/cinder/internal/buildinfo"
	"github.com/cinderd/cinder/internal/command"
	"github.com/cinderd/cinder/internal/render"
)

func versionCommand() command.Descriptor {
	return command.Descriptor{
		Name:           "version",
		Description:    "Show build and runtime information",
		AllowInPlanner: true,
		Handler: func(ctx *command.Context, args []string) (string, error) {
			info := buildinfo.Info()
			return render.KeyValues([][2]string{
				{"version", info["version"]},
				{"commit", info["git_commit"] + "@" + info["git_branch"]},
				{"built", info["build_time"]},
				{"go", info["go_version"]},
				{"platform", info["os"] + "/" + info["arch"]},
				{"uptime", info["uptime"]},
			}), nil
		},
	}
}
