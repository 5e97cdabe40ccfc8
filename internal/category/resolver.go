/**
 * Category resolver
 *
 * Assigns stable category ids in first-seen order, keyed by class name
 * or by class name plus attribute signature.
 */

package category

import (
	"github.com/adverant/nexus/annotation-converter/internal/annotation"
)

// Policy decides which record properties identify a category.
type Policy int

const (
	// PolicyName keys categories by class name only.
	PolicyName Policy = iota
	// PolicyNameAndAttributes keys categories by class name plus the sorted
	// attribute signature, so each distinct combination is its own category.
	PolicyNameAndAttributes
)

// Category is one entry of the output category table.
type Category struct {
	ID         int
	Name       string
	Signature  string
	Attributes map[string]interface{} // set under PolicyNameAndAttributes
}

// Resolver assigns stable ids to categories in first-seen order.
// It is owned by a single run and is not safe for concurrent use.
type Resolver struct {
	policy Policy
	next   int
	byKey  map[string]int
	table  []Category
}

// NewResolver creates a resolver whose first id is base.
func NewResolver(policy Policy, base int) *Resolver {
	return &Resolver{
		policy: policy,
		next:   base,
		byKey:  make(map[string]int),
	}
}

// Resolve returns the id for the class and attributes, allocating one on first sight.
// An empty name resolves as "null".
func (r *Resolver) Resolve(name string, attrs map[string]interface{}) int {
	if name == "" {
		name = "null"
	}
	sig := ""
	if r.policy == PolicyNameAndAttributes {
		sig = annotation.AttributeSignature(attrs)
	}
	key := name + "\x00" + sig
	if id, ok := r.byKey[key]; ok {
		return id
	}

	id := r.next
	r.next++
	r.byKey[key] = id

	cat := Category{ID: id, Name: name, Signature: sig}
	if r.policy == PolicyNameAndAttributes && len(attrs) > 0 {
		cat.Attributes = make(map[string]interface{}, len(attrs))
		for k, v := range attrs {
			cat.Attributes[k] = v
		}
	}
	r.table = append(r.table, cat)
	return id
}

// Policy returns the resolver's policy.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Categories returns the table in id order.
func (r *Resolver) Categories() []Category {
	out := make([]Category, len(r.table))
	copy(out, r.table)
	return out
}

// Len returns the number of categories allocated so far.
func (r *Resolver) Len() int {
	return len(r.table)
}
