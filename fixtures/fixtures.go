package fixtures

import (
	_ "embed"
)

//go:embed config/config.yaml.template
var ConfigTemplate []byte

//go:embed networks/integrator.yaml
var IntegratorNetwork []byte

//go:embed networks/channel.yaml
var ChannelNetwork []byte
