// Command mkboot builds a Multiboot module manifest from a YAML
// description: a list of host-side files, each destined to become one boot
// module the kernel's multiboot.Parse / syscall.ModuleSource can resolve by
// basename at exec time.
//
// Grounded on the cobra+pflag+yaml.v3 CLI shape common to small,
// single-purpose host-side build tools (e.g. arctir-proctor,
// jesseduffield-lazydocker).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

/// Manifest is the YAML input format: an ordered list of files to pack as
/// boot modules, in the order they should appear in the Multiboot module
/// list.
type Manifest struct {
	Modules []ModuleSpec `yaml:"modules"`
}

/// ModuleSpec names one host file and the cmdline string the kernel will
/// see for it -- its basename becomes the name exec() looks modules up by.
type ModuleSpec struct {
	Path    string `yaml:"path"`
	Cmdline string `yaml:"cmdline"`
}

func loadManifest(path string) (*Manifest, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(f, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

func newRootCmd() *cobra.Command {
	var manifestPath, outPath string

	root := &cobra.Command{
		Use:   "mkboot",
		Short: "Pack host files into a Multiboot module image",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest(manifestPath)
			if err != nil {
				return err
			}
			return pack(m, outPath)
		},
	}
	root.Flags().StringVarP(&manifestPath, "manifest", "m", "mkboot.yaml", "path to the module manifest")
	root.Flags().StringVarP(&outPath, "out", "o", "boot.img", "path to write the packed module image")
	return root
}

/// pack concatenates every manifest module's file contents into a single
/// image and writes an accompanying index describing each module's
/// [start, end) byte range and cmdline, in the layout
/// multiboot.Info.Modules expects once the bootloader loads this image and
/// fills in the real mods_addr table.
func pack(m *Manifest, outPath string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	var offset int64
	type indexEntry struct {
		Cmdline string `yaml:"cmdline"`
		Start   int64  `yaml:"start"`
		End     int64  `yaml:"end"`
	}
	var index []indexEntry

	for _, mod := range m.Modules {
		data, err := os.ReadFile(mod.Path)
		if err != nil {
			return fmt.Errorf("reading module %s: %w", mod.Path, err)
		}
		n, err := out.Write(data)
		if err != nil {
			return fmt.Errorf("writing module %s: %w", mod.Path, err)
		}
		index = append(index, indexEntry{
			Cmdline: mod.Cmdline,
			Start:   offset,
			End:     offset + int64(n),
		})
		offset += int64(n)
	}

	idxFile, err := os.Create(outPath + ".index.yaml")
	if err != nil {
		return err
	}
	defer idxFile.Close()
	enc := yaml.NewEncoder(idxFile)
	defer enc.Close()
	return enc.Encode(index)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
