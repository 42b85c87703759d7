package render

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/fanyadan/my-slurm/pkg/types"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(
	template.New("slurmboot").
		Funcs(template.FuncMap{"join": strings.Join}).
		Option("missingkey=error").
		ParseFS(templateFS, "templates/*.tmpl"),
)

// Generated file names
const (
	SlurmConf    = "slurm.conf"
	CgroupConf   = "cgroup.conf"
	GresConf     = "gres.conf"
	SlurmdbdConf = "slurmdbd.conf"
)

// File is one rendered configuration file
type File struct {
	Name string
	Data []byte
	Mode uint32
	// Owner is the identity that should own the file; empty keeps the writer
	Owner string
}

// Set is the output of one render pass
type Set struct {
	Files []File
	// Stale lists file names that must not exist after writing
	Stale []string
}

// Options select role-dependent outputs
type Options struct {
	// IncludeDbd renders slurmdbd.conf (controller roles)
	IncludeDbd bool
}

// Render serializes the document into its configuration files. The output
// only depends on the document, so identical inputs give identical bytes.
func (d *Document) Render(opts Options) (*Set, error) {
	set := &Set{}

	slurm, err := execute(SlurmConf, d)
	if err != nil {
		return nil, err
	}
	set.Files = append(set.Files, File{Name: SlurmConf, Data: slurm, Mode: uint32(types.ModeConfig)})

	gres, err := execute(GresConf, d)
	if err != nil {
		return nil, err
	}
	set.Files = append(set.Files, File{Name: GresConf, Data: gres, Mode: uint32(types.ModeConfig)})

	if d.Isolation {
		cg, err := execute(CgroupConf, d)
		if err != nil {
			return nil, err
		}
		set.Files = append(set.Files, File{Name: CgroupConf, Data: cg, Mode: uint32(types.ModeConfig)})
	} else {
		set.Stale = append(set.Stale, CgroupConf)
	}

	if opts.IncludeDbd {
		dbd, err := execute(SlurmdbdConf, d)
		if err != nil {
			return nil, err
		}
		set.Files = append(set.Files, File{
			Name:  SlurmdbdConf,
			Data:  dbd,
			Mode:  uint32(types.ModePrivate),
			Owner: "slurm",
		})
	}

	return set, nil
}

// Get returns the named file, or nil
func (s *Set) Get(name string) *File {
	for i := range s.Files {
		if s.Files[i].Name == name {
			return &s.Files[i]
		}
	}
	return nil
}

func execute(name string, d *Document) ([]byte, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name+".tmpl", d); err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
