// Package tasks is a small set of example methods served by cmd/instantapi.
package tasks

import (
	"context"
	"log/slog"

	"github.com/mnehpets/instantapi/jsonrpc"
)

// Sizes accepted by makeSoup.
var soupSizes = map[string]bool{"small": true, "medium": true, "large": true}

// Kitchen holds the example methods.
type Kitchen struct {
	Logger *slog.Logger
}

func (k *Kitchen) logger() *slog.Logger {
	if k.Logger != nil {
		return k.Logger
	}
	return slog.Default()
}

// MakeSoup replies "Done. Enjoy!" for a known size.
func (k *Kitchen) MakeSoup(c *jsonrpc.Call, _, _, _ any) {
	var params struct {
		Size string `json:"size"`
	}
	if err := c.DecodeParams(&params); err != nil {
		c.SendParamsError(err.Error())
		return
	}
	k.logger().Info("making soup", "size", params.Size, "user", c.User() != nil)
	if !soupSizes[params.Size] {
		c.SendParamsError("size must be small, medium or large")
		return
	}
	c.SendResult("Done. Enjoy!")
}

// Hi is bound by reflection.
func (k *Kitchen) Hi(ctx context.Context, _ struct{}) (string, error) {
	return "hello world!", nil
}

// Modules returns the example methods, exposed without a prefix.
func Modules(logger *slog.Logger) (map[string]jsonrpc.Module, error) {
	k := &Kitchen{Logger: logger}
	g, err := jsonrpc.Methods(k)
	if err != nil {
		return nil, err
	}
	g["makeSoup"] = jsonrpc.HandlerFunc(k.MakeSoup)
	return map[string]jsonrpc.Module{"": g}, nil
}
