package collector

import (
	"errors"
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ErrNoData is returned by PlotMeans when nothing has been received.
var ErrNoData = errors.New("collector: no records to plot")

var palette = []color.Color{
	color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
	color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff},
	color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
	color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
	color.RGBA{R: 0x94, G: 0x67, B: 0xbd, A: 0xff},
}

// PlotMeans writes a PNG of the mean value per index, one line per source.
func PlotMeans(p *Profile, path string) error {
	sources := p.Sources()
	if len(sources) == 0 {
		return ErrNoData
	}

	pl := plot.New()
	pl.Title.Text = "Mean CSI value per subcarrier"
	pl.X.Label.Text = "Index"
	pl.Y.Label.Text = "Value"
	pl.Add(plotter.NewGrid())

	for i, mac := range sources {
		mean := p.Mean(mac)
		pts := make(plotter.XYs, len(mean))
		for j, v := range mean {
			pts[j] = plotter.XY{X: float64(j), Y: v}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("plot %s: %w", mac, err)
		}
		line.Width = vg.Points(1)
		line.Color = palette[i%len(palette)]
		pl.Add(line)
		pl.Legend.Add(mac.String(), line)
	}
	pl.Legend.Top = true

	if err := pl.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot %s: %w", path, err)
	}
	return nil
}
