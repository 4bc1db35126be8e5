package service

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/romdj/tempsdarret.studio-sub002/internal/model"
)

type format struct {
	fileType model.FileType
	mimeType string
}

// formats 是上传允许的扩展名表。RAW 格式按相机厂商枚举。
var formats = map[string]format{
	// 常见图片
	"jpg":  {model.FileTypeImage, "image/jpeg"},
	"jpeg": {model.FileTypeImage, "image/jpeg"},
	"png":  {model.FileTypeImage, "image/png"},
	"tif":  {model.FileTypeImage, "image/tiff"},
	"tiff": {model.FileTypeImage, "image/tiff"},
	"heic": {model.FileTypeImage, "image/heic"},
	"heif": {model.FileTypeImage, "image/heif"},
	"webp": {model.FileTypeImage, "image/webp"},
	"gif":  {model.FileTypeImage, "image/gif"},
	"bmp":  {model.FileTypeImage, "image/bmp"},

	// RAW
	"cr2": {model.FileTypeRaw, "image/x-canon-cr2"},
	"cr3": {model.FileTypeRaw, "image/x-canon-cr3"},
	"crw": {model.FileTypeRaw, "image/x-canon-crw"},
	"nef": {model.FileTypeRaw, "image/x-nikon-nef"},
	"nrw": {model.FileTypeRaw, "image/x-nikon-nrw"},
	"arw": {model.FileTypeRaw, "image/x-sony-arw"},
	"srf": {model.FileTypeRaw, "image/x-sony-srf"},
	"sr2": {model.FileTypeRaw, "image/x-sony-sr2"},
	"raf": {model.FileTypeRaw, "image/x-fuji-raf"},
	"orf": {model.FileTypeRaw, "image/x-olympus-orf"},
	"rw2": {model.FileTypeRaw, "image/x-panasonic-rw2"},
	"pef": {model.FileTypeRaw, "image/x-pentax-pef"},
	"dng": {model.FileTypeRaw, "image/x-adobe-dng"},
	"3fr": {model.FileTypeRaw, "image/x-hasselblad-3fr"},
	"iiq": {model.FileTypeRaw, "image/x-phaseone-iiq"},
	"rwl": {model.FileTypeRaw, "image/x-leica-rwl"},
	"srw": {model.FileTypeRaw, "image/x-samsung-srw"},
	"x3f": {model.FileTypeRaw, "image/x-sigma-x3f"},
	"erf": {model.FileTypeRaw, "image/x-epson-erf"},
	"mef": {model.FileTypeRaw, "image/x-mamiya-mef"},
	"mos": {model.FileTypeRaw, "image/x-leaf-mos"},
	"kdc": {model.FileTypeRaw, "image/x-kodak-kdc"},
	"dcr": {model.FileTypeRaw, "image/x-kodak-dcr"},

	// 编辑软件的 sidecar
	"xmp": {model.FileTypeSidecar, "application/rdf+xml"},
	"pp3": {model.FileTypeSidecar, "text/plain"},
	"dop": {model.FileTypeSidecar, "application/xml"},
	"on1": {model.FileTypeSidecar, "application/json"},

	// 工程/预设文件
	"psd":        {model.FileTypeConfig, "image/vnd.adobe.photoshop"},
	"psb":        {model.FileTypeConfig, "image/vnd.adobe.photoshop"},
	"cos":        {model.FileTypeConfig, "application/octet-stream"},
	"lrtemplate": {model.FileTypeConfig, "text/plain"},
}

// lookupFormat 根据文件名的扩展名查表，大小写不敏感。
func lookupFormat(originalName string) (format, string, bool) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(originalName), "."))
	f, ok := formats[ext]
	return f, ext, ok
}

// SupportedFormats 按文件类型列出允许的扩展名。
func SupportedFormats() map[model.FileType][]string {
	out := make(map[model.FileType][]string)
	for ext, f := range formats {
		out[f.fileType] = append(out[f.fileType], ext)
	}
	for _, exts := range out {
		sort.Strings(exts)
	}
	return out
}
