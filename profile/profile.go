package profile

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/aldas/go-vehicle-telemetry/decoder"
)

//go:embed tables/*.yaml
var tables embed.FS

// ErrUnknownVehicle is returned when no profile exists for vehicle code
var ErrUnknownVehicle = errors.New("unknown vehicle code")

// StandardCode loads only standard metrics without any decoding rules
const StandardCode = "STD"

const standardFile = "tables/standard.yaml"

// Vehicle describes vehicle profile that is built into the library.
type Vehicle struct {
	// Code is short vehicle type code
	Code string
	Name string
	file string
}

var vehicles = []Vehicle{
	{Code: "TS", Name: "Tesla Model S", file: "tables/teslamodels.yaml"},
}

// Vehicles returns list of built-in vehicle profiles.
func Vehicles() []Vehicle {
	return append([]Vehicle(nil), vehicles...)
}

// Standard returns table of standard metrics all vehicle profiles write into.
func Standard() (decoder.Table, error) {
	return decoder.LoadTable(tables, standardFile)
}

// Load returns standard metrics merged with metrics and rules of the vehicle profile. Code is case-insensitive.
func Load(code string) (decoder.Table, error) {
	standard, err := Standard()
	if err != nil {
		return decoder.Table{}, err
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == StandardCode {
		return standard, nil
	}

	for _, v := range vehicles {
		if v.Code != code {
			continue
		}
		vehicle, err := decoder.LoadTable(tables, v.file)
		if err != nil {
			return decoder.Table{}, err
		}
		return standard.Merge(vehicle), nil
	}
	return decoder.Table{}, fmt.Errorf("vehicle %q: %w", code, ErrUnknownVehicle)
}
