package main

import (
	"eolstation"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

func main() {
	module.ModularMain(
		resource.APIModel{generic.API, eolstation.Controller},
		resource.APIModel{sensor.API, eolstation.CycleSensor},
		resource.APIModel{sensor.API, eolstation.SimulatedECU},
	)
}
