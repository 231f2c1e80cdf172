package globals

import "github.com/hashicorp/go-hclog"

var AppLogger = hclog.New(&hclog.LoggerOptions{
	Name:  "chatspace",
	Level: hclog.LevelFromString("DEBUG"),
})
