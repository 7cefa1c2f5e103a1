package assets

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"muloom/server/internal/model"
)

// StreamPrefix 是视频素材对外的 URL 前缀，由 api 层负责实际文件服务。
const StreamPrefix = "/stream/mp4/"

// Loader 扫描本地 glsl/ 与 mp4/ 目录生成素材列表。
// 目录不存在时返回空列表，不视为错误。
type Loader struct {
	GLSLDir string
	MP4Dir  string
}

func NewLoader(glslDir, mp4Dir string) *Loader {
	return &Loader{GLSLDir: glslDir, MP4Dir: mp4Dir}
}

// Load 每次调用都重新扫描，保证新增素材无需重启即可被客户端看到。
func (l *Loader) Load() (model.AssetCollection, error) {
	glsl, err := l.readGLSL()
	if err != nil {
		return model.AssetCollection{}, err
	}
	videos, err := l.readMP4()
	if err != nil {
		return model.AssetCollection{}, err
	}
	return model.AssetCollection{
		GLSL:     glsl,
		Videos:   videos,
		Overlays: []model.Asset{},
	}, nil
}

func (l *Loader) readGLSL() ([]model.Asset, error) {
	out := []model.Asset{}
	entries, err := readDir(l.GLSLDir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".glsl" {
			continue
		}
		code, err := os.ReadFile(filepath.Join(l.GLSLDir, entry.Name()))
		if err != nil {
			// 单个文件读失败跳过
			continue
		}
		out = append(out, model.Asset{
			ID:   entry.Name(),
			Name: strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())),
			Code: string(code),
		})
	}
	return out, nil
}

// readMP4 只看两层：根目录下的 .mp4 以及一级分类子目录中的 .mp4。
func (l *Loader) readMP4() ([]model.Asset, error) {
	out := []model.Asset{}
	entries, err := readDir(l.MP4Dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			if isMP4(entry.Name()) {
				out = append(out, videoAsset("", entry.Name()))
			}
			continue
		}
		category := entry.Name()
		videos, err := readDir(filepath.Join(l.MP4Dir, category))
		if err != nil {
			return nil, err
		}
		for _, v := range videos {
			// 分类目录里只认小写 .mp4
			if v.IsDir() || filepath.Ext(v.Name()) != ".mp4" {
				continue
			}
			out = append(out, videoAsset(category, v.Name()))
		}
	}
	return out, nil
}

func videoAsset(category, name string) model.Asset {
	rel := name
	if category != "" {
		rel = path.Join(category, name)
	}
	return model.Asset{
		ID:       rel,
		Name:     strings.TrimSuffix(name, filepath.Ext(name)),
		Category: category,
		URL:      StreamPrefix + rel,
	}
}

func isMP4(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".mp4")
}

// readDir 返回按文件名排序的目录项；目录缺失视为空。
func readDir(dir string) ([]os.DirEntry, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ResolveVideo 把 /stream/mp4/ 之后的相对路径映射到 MP4Dir 内的绝对路径。
// 含 .. 或越出根目录的路径返回 ErrInvalidPath。
func (l *Loader) ResolveVideo(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	rel = strings.TrimLeft(rel, `/\`)
	if rel == "" {
		return "", ErrNotFound
	}
	for _, part := range strings.FieldsFunc(rel, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return "", ErrInvalidPath
		}
	}
	root, err := filepath.Abs(l.MP4Dir)
	if err != nil {
		return "", err
	}
	full := filepath.Join(root, filepath.FromSlash(rel))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return "", ErrNotFound
	}
	return full, nil
}

var (
	ErrInvalidPath = errors.New("invalid video path")
	ErrNotFound    = errors.New("video not found")
)
