package handlers

import (
	"context"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/cadence/dispatch"
	"github.com/teranos/cadence/errors"
)

// systemUpdate reports a host and memory snapshot
func (b *Builtins) systemUpdate(ctx context.Context, _ dispatch.Invocation) (dispatch.Result, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get host info")
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get memory stats")
	}

	return dispatch.Result{
		"hostname":        info.Hostname,
		"os":              info.OS,
		"platform":        info.Platform,
		"platformVersion": info.PlatformVersion,
		"kernelVersion":   info.KernelVersion,
		"uptimeSeconds":   info.Uptime,
		"memory": map[string]interface{}{
			"total":       vm.Total,
			"available":   vm.Available,
			"usedPercent": vm.UsedPercent,
		},
		"checkedAt": b.now().UTC(),
	}, nil
}
