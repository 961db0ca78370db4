// Package prompt renders block prompts from stored or built-in templates.
package prompt

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/router-for-me/PageBlocks/internal/blocks"
	"github.com/router-for-me/PageBlocks/internal/models"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

//go:embed defaults.yaml
var defaultsYAML []byte

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// ErrUnknownBlock is returned for block types missing from the registry.
var ErrUnknownBlock = errors.New("prompt: unknown block type")

// Template is the effective template for a block.
type Template struct {
	BlockType           string     `json:"block_type"`
	SystemMessage       string     `json:"system_message"`
	UserMessageTemplate string     `json:"user_message_template"`
	Customized          bool       `json:"customized"`
	UpdatedAt           *time.Time `json:"updated_at,omitempty"`
}

// Rendered is a prompt ready to send. Missing lists placeholders left literal.
type Rendered struct {
	System  string
	User    string
	Missing []string
}

type defaultsFile struct {
	Templates map[string]struct {
		System string `yaml:"system"`
		User   string `yaml:"user"`
	} `yaml:"templates"`
}

// Engine looks up templates in prompt_templates and falls back to built-in defaults.
type Engine struct {
	db       *gorm.DB
	defaults map[string]Template
}

// NewEngine loads the built-in defaults. db may be nil, in which case only defaults are used.
func NewEngine(db *gorm.DB) (*Engine, error) {
	var file defaultsFile
	if errUnmarshal := yaml.Unmarshal(defaultsYAML, &file); errUnmarshal != nil {
		return nil, fmt.Errorf("prompt: parse defaults: %w", errUnmarshal)
	}
	defaults := make(map[string]Template, len(file.Templates))
	for _, id := range blocks.IDs() {
		tpl, ok := file.Templates[id]
		if !ok {
			return nil, fmt.Errorf("prompt: no default template for %s", id)
		}
		defaults[id] = Template{BlockType: id, SystemMessage: tpl.System, UserMessageTemplate: tpl.User}
	}
	return &Engine{db: db, defaults: defaults}, nil
}

// Render resolves the template for blockType and substitutes vars into both messages.
func (e *Engine) Render(ctx context.Context, blockType string, vars map[string]string) (Rendered, error) {
	tpl, errTpl := e.Template(ctx, blockType)
	if errTpl != nil {
		return Rendered{}, errTpl
	}
	system, missingSystem := Substitute(tpl.SystemMessage, vars)
	user, missingUser := Substitute(tpl.UserMessageTemplate, vars)
	return Rendered{System: system, User: user, Missing: mergeSorted(missingSystem, missingUser)}, nil
}

// Template returns the stored template for blockType or the default.
func (e *Engine) Template(ctx context.Context, blockType string) (Template, error) {
	def, ok := e.defaults[blockType]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrUnknownBlock, blockType)
	}
	if e.db == nil {
		return def, nil
	}
	var row models.PromptTemplate
	errFind := e.db.WithContext(ctx).Where("block_type = ?", blockType).Take(&row).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return def, nil
	}
	if errFind != nil {
		return Template{}, fmt.Errorf("prompt: load %s: %w", blockType, errFind)
	}
	return fromRow(row), nil
}

// List returns the effective template of every block in page order.
func (e *Engine) List(ctx context.Context) ([]Template, error) {
	stored := map[string]models.PromptTemplate{}
	if e.db != nil {
		var rows []models.PromptTemplate
		if errFind := e.db.WithContext(ctx).Find(&rows).Error; errFind != nil {
			return nil, fmt.Errorf("prompt: list: %w", errFind)
		}
		for _, row := range rows {
			stored[row.BlockType] = row
		}
	}
	out := make([]Template, 0, len(e.defaults))
	for _, id := range blocks.IDs() {
		if row, ok := stored[id]; ok {
			out = append(out, fromRow(row))
			continue
		}
		out = append(out, e.defaults[id])
	}
	return out, nil
}

// Save stores a customised template for blockType.
func (e *Engine) Save(ctx context.Context, blockType, system, user string) (Template, error) {
	if _, ok := e.defaults[blockType]; !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrUnknownBlock, blockType)
	}
	if e.db == nil {
		return Template{}, errors.New("prompt: no template store configured")
	}
	if strings.TrimSpace(system) == "" || strings.TrimSpace(user) == "" {
		return Template{}, errors.New("prompt: system and user messages are required")
	}
	row := models.PromptTemplate{BlockType: blockType, SystemMessage: system, UserMessageTemplate: user}
	if errSave := e.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "block_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"system_message", "user_message_template", "updated_at"}),
	}).Create(&row).Error; errSave != nil {
		return Template{}, fmt.Errorf("prompt: save %s: %w", blockType, errSave)
	}
	return e.Template(ctx, blockType)
}

// Reset deletes the customised template so the default applies again.
func (e *Engine) Reset(ctx context.Context, blockType string) error {
	if _, ok := e.defaults[blockType]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, blockType)
	}
	if e.db == nil {
		return nil
	}
	if errDelete := e.db.WithContext(ctx).Where("block_type = ?", blockType).Delete(&models.PromptTemplate{}).Error; errDelete != nil {
		return fmt.Errorf("prompt: reset %s: %w", blockType, errDelete)
	}
	return nil
}

// Substitute replaces every {key} with vars[key]. Unknown keys stay literal and are returned.
func Substitute(tpl string, vars map[string]string) (string, []string) {
	var missing []string
	seen := map[string]struct{}{}
	out := placeholderPattern.ReplaceAllStringFunc(tpl, func(match string) string {
		key := match[1 : len(match)-1]
		if val, ok := vars[key]; ok {
			return val
		}
		if _, dup := seen[key]; !dup {
			seen[key] = struct{}{}
			missing = append(missing, key)
		}
		return match
	})
	return out, missing
}

func fromRow(row models.PromptTemplate) Template {
	updated := row.UpdatedAt
	return Template{
		BlockType:           row.BlockType,
		SystemMessage:       row.SystemMessage,
		UserMessageTemplate: row.UserMessageTemplate,
		Customized:          true,
		UpdatedAt:           &updated,
	}
}

func mergeSorted(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	set := map[string]struct{}{}
	for _, k := range append(append([]string{}, a...), b...) {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
