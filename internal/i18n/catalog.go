package i18n

import (
	"embed"
	"fmt"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v2"
)

//go:embed locales/*.yaml
var localeFS embed.FS

// localeFile is the on-disk catalog format: a language tag plus a flat
// map from message id (the English source string) to its translation.
type localeFile struct {
	Language string            `yaml:"language"`
	Messages map[string]string `yaml:"messages"`
}

func init() {
	if err := loadCatalogs(); err != nil {
		panic("i18n: " + err.Error())
	}
}

func loadCatalogs() error {
	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return fmt.Errorf("reading locales: %w", err)
	}

	for _, entry := range entries {
		data, err := localeFS.ReadFile("locales/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading %s: %w", entry.Name(), err)
		}

		var lf localeFile
		if err := yaml.Unmarshal(data, &lf); err != nil {
			return fmt.Errorf("parsing %s: %w", entry.Name(), err)
		}

		tag, err := language.Parse(lf.Language)
		if err != nil {
			return fmt.Errorf("bad language tag in %s: %w", entry.Name(), err)
		}

		for id, translation := range lf.Messages {
			if err := message.SetString(tag, id, translation); err != nil {
				return fmt.Errorf("registering %q for %s: %w", id, tag, err)
			}
		}
	}
	return nil
}
