package export

import (
	"bytes"
	"fmt"
	"image/png"

	"github.com/jung-kurt/gofpdf"
)

// 导出格式
const (
	FormatPNG = "png"
	FormatPDF = "pdf"
)

// EncodePDF 把画布 PNG 放进一页同尺寸的 PDF，单位为 pt，1px 对应 1pt
func EncodePDF(pngData []byte) ([]byte, error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(pngData))
	if err != nil {
		return nil, fmt.Errorf("export: invalid canvas image: %w", err)
	}
	w, h := float64(cfg.Width), float64(cfg.Height)

	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           gofpdf.SizeType{Wd: w, Ht: h},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()

	opt := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("canvas", opt, bytes.NewReader(pngData))
	pdf.ImageOptions("canvas", 0, 0, w, h, false, opt, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("export: failed to write pdf: %w", err)
	}
	return buf.Bytes(), nil
}
