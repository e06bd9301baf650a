// Package region holds the commands a region controller answers over RPC.
package region

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Command names understood by a region controller.
const (
	CommandReportBootImages = "ReportBootImages"
)

// BootImage describes one boot image a cluster controller has available.
type BootImage struct {
	Architecture    string `json:"architecture"`
	Subarchitecture string `json:"subarchitecture"`
	Release         string `json:"release"`
	Purpose         string `json:"purpose"`
}

type ReportBootImagesArgs struct {
	UUID   string      `json:"uuid"`
	Images []BootImage `json:"images"`
}

type ReportBootImagesReply struct{}

// Region is the responder registered with the RPC listener. Its method set
// is the region side of the protocol.
type Region struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Region {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Region{logger: logger}
}

// ReportBootImages acknowledges a cluster's boot image report. The images are
// not stored here. Every report is acknowledged, even one whose cluster uuid
// does not parse; that is only logged.
func (r *Region) ReportBootImages(ctx context.Context, args *ReportBootImagesArgs, reply *ReportBootImagesReply) error {
	if _, err := uuid.Parse(args.UUID); err != nil {
		r.logger.Warn("boot images reported with malformed cluster uuid",
			zap.String("cluster", args.UUID), zap.Error(err))
	}
	r.logger.Debug("boot images reported",
		zap.String("cluster", args.UUID),
		zap.Int("images", len(args.Images)))
	return nil
}

// Caller is anything able to issue a command to a remote region controller,
// such as a transport.Peer or a client.Client.
type Caller interface {
	Call(ctx context.Context, command string, args, reply any) error
}

// ReportBootImages sends a boot image report through c.
func ReportBootImages(ctx context.Context, c Caller, cluster uuid.UUID, images []BootImage) error {
	if images == nil {
		images = []BootImage{}
	}
	args := &ReportBootImagesArgs{UUID: cluster.String(), Images: images}
	return c.Call(ctx, CommandReportBootImages, args, &ReportBootImagesReply{})
}
