package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"
	"github.com/teslashibe/go-sortbin/pkg/background"
	"github.com/teslashibe/go-sortbin/pkg/detection"
	"github.com/teslashibe/go-sortbin/pkg/pipeline"
	"github.com/teslashibe/go-sortbin/pkg/roi"
)

// detectReport is the per-image output of detect
type detectReport struct {
	Image       string                `json:"image"`
	Detections  []detection.Detection `json:"detections"`
	Suppressed  int                   `json:"suppressed"`
	InferenceMs float64               `json:"inference_ms"`
	Leading     string                `json:"leading,omitempty"`
	Category    string                `json:"category,omitempty"`
	Bin         string                `json:"bin,omitempty"`
}

func (a *app) detectCmd() *cobra.Command {
	var (
		full     bool
		asJSON   bool
		rotation int
	)
	cmd := &cobra.Command{
		Use:   "detect <image>...",
		Short: "Classify still images with the configured model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			region := roi.Full()
			if !full {
				r, err := roi.New(a.cfg.ROI.Left, a.cfg.ROI.Top, a.cfg.ROI.Right, a.cfg.ROI.Bottom)
				if err != nil {
					return err
				}
				region = r
			}

			det, err := newDetector(a.cfg)
			if err != nil {
				return err
			}
			defer det.Close()

			p := pipeline.New(det)
			suppressor := background.New()

			var reports []detectReport
			for i, path := range args {
				img, err := imaging.Open(path, imaging.AutoOrientation(true))
				if err != nil {
					return err
				}
				frame := pipeline.Frame{Seq: uint64(i + 1), Timestamp: time.Now(), Image: img, Rotation: rotation}
				res, err := p.Process(cmd.Context(), frame, region)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}

				regionPx := region.PixelRect(res.FrameWidth, res.FrameHeight)
				kept := suppressor.Filter(res.Detections, float64(regionPx.Dx()), float64(regionPx.Dy()))
				rep := detectReport{
					Image:       path,
					Detections:  kept,
					Suppressed:  len(res.Detections) - len(kept),
					InferenceMs: res.InferenceMs,
				}
				if lead := detection.Leading(kept); lead != nil {
					rep.Leading = lead.ClassName
					if cat, err := lead.Category(); err == nil {
						rep.Category = cat.String()
						if pos, err := cat.Position(); err == nil {
							rep.Bin = fmt.Sprintf("%d,%d", pos.Pan, pos.Tilt)
						}
					}
				}
				reports = append(reports, rep)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(reports)
			}
			return printReports(cmd.OutOrStdout(), reports)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&full, "full", false, "search the whole image instead of the configured region")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	f.IntVar(&rotation, "rotation", 0, "clockwise degrees to apply before detection")
	return cmd
}

func printReports(out io.Writer, reports []detectReport) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, r := range reports {
		fmt.Fprintf(w, "%s\t%d items\t%d suppressed\t%.1f ms\n", r.Image, len(r.Detections), r.Suppressed, r.InferenceMs)
		for _, d := range r.Detections {
			fmt.Fprintf(w, "  %s\t%.2f\t[%.0f %.0f %.0f %.0f]\t\n",
				d.ClassName, d.Confidence, d.Box.Left, d.Box.Top, d.Box.Right, d.Box.Bottom)
		}
		if r.Leading != "" {
			fmt.Fprintf(w, "  leading\t%s\t%s\tbin %s\n", r.Leading, r.Category, r.Bin)
		}
	}
	return w.Flush()
}
