package entity

import (
	"errors"
	"fmt"
	"strings"
)

// ValidateCharacter checks a [Character] for required fields and valid enums.
// An empty Status is accepted and treated as active.
func ValidateCharacter(c Character) error {
	var errs []error
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if c.Status != "" && !c.Status.IsValid() {
		errs = append(errs, fmt.Errorf("status %q is not a recognised character status", c.Status))
	}
	return errors.Join(errs...)
}

// ValidateLocation checks a [Location] for required fields.
func ValidateLocation(l Location) error {
	if strings.TrimSpace(l.Name) == "" {
		return errors.New("name must not be empty")
	}
	return nil
}

// ValidateItem checks an [Item] for required fields and a sane quantity.
func ValidateItem(i Item) error {
	var errs []error
	if strings.TrimSpace(i.Name) == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if i.Quantity < 0 {
		errs = append(errs, fmt.Errorf("quantity must be >= 0, got %d", i.Quantity))
	}
	return errors.Join(errs...)
}

// ValidateBeat checks a [StoryBeat] for required fields and valid enums.
func ValidateBeat(b StoryBeat) error {
	var errs []error
	if strings.TrimSpace(b.Name) == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if !b.Type.IsValid() {
		errs = append(errs, fmt.Errorf("type %q is not a recognised beat type", b.Type))
	}
	if !b.Status.IsValid() {
		errs = append(errs, fmt.Errorf("status %q is not a recognised beat status", b.Status))
	}
	return errors.Join(errs...)
}

// ValidateLore checks a [LorebookEntry] for required fields and valid enums.
func ValidateLore(e LorebookEntry) error {
	var errs []error
	if strings.TrimSpace(e.Name) == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if !e.Type.IsValid() {
		errs = append(errs, fmt.Errorf("type %q is not a recognised lore type", e.Type))
	}
	if !e.Injection.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("injection mode %q is not recognised", e.Injection.Mode))
	}
	if !e.CreatedBy.IsValid() {
		errs = append(errs, fmt.Errorf("created_by %q is not recognised", e.CreatedBy))
	}
	return errors.Join(errs...)
}

// ValidateWorld checks every entity plus the world-level invariants: at most
// one protagonist, and exactly one current location once any location exists.
func ValidateWorld(w World) error {
	var errs []error

	selfCount := 0
	for i, c := range w.Characters {
		if err := ValidateCharacter(c); err != nil {
			errs = append(errs, fmt.Errorf("characters[%d]: %w", i, err))
		}
		if c.IsProtagonist() {
			selfCount++
		}
	}
	if selfCount > 1 {
		errs = append(errs, fmt.Errorf("%w: %d characters hold relationship %q", ErrInvariant, selfCount, RelationshipSelf))
	}

	current := 0
	for i, l := range w.Locations {
		if err := ValidateLocation(l); err != nil {
			errs = append(errs, fmt.Errorf("locations[%d]: %w", i, err))
		}
		if l.Current {
			current++
		}
	}
	if len(w.Locations) > 0 && current != 1 {
		errs = append(errs, fmt.Errorf("%w: %d current locations, want 1", ErrInvariant, current))
	}

	for i, it := range w.Items {
		if err := ValidateItem(it); err != nil {
			errs = append(errs, fmt.Errorf("items[%d]: %w", i, err))
		}
	}
	for i, b := range w.Beats {
		if err := ValidateBeat(b); err != nil {
			errs = append(errs, fmt.Errorf("beats[%d]: %w", i, err))
		}
	}
	for i, e := range w.Lorebook {
		if err := ValidateLore(e); err != nil {
			errs = append(errs, fmt.Errorf("lorebook[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
