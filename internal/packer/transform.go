package packer

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/relocatable/envpack/internal/classify"
	"github.com/relocatable/envpack/internal/errs"
	"github.com/relocatable/envpack/internal/pipeline"
	"github.com/relocatable/envpack/internal/prefix"
	"github.com/relocatable/envpack/internal/rewrite"
)

// transform builds the pipeline.Transform that turns one classified
// FileRecord into an Item, applying the three prefix-handling families
// from SPEC_FULL.md §4: text substitution, deferred binary recording,
// and shebang cleanup for bin/ scripts when no destination prefix was
// requested.
func (pk *Packer) transform(sourcePrefix, destPrefix string, mtime time.Time) pipeline.Transform {
	return func(ctx context.Context, rec classify.FileRecord) (pipeline.Item, error) {
		item := pipeline.Item{
			Record:  rec,
			ArcName: pk.arcPath(rec.RelPath),
			Mode:    rec.Mode,
			MTime:   mtime,
		}

		switch rec.FileKind {
		case classify.Directory:
			return item, nil
		case classify.Symlink:
			item.Target = rec.LinkTarget
			return item, nil
		}

		select {
		case <-ctx.Done():
			return item, ctx.Err()
		default:
		}

		data, err := os.ReadFile(rec.AbsPath)
		if err != nil {
			return item, fmt.Errorf("read %s: %w", rec.RelPath, err)
		}

		action := rec.PrefixAction
		placeholder := rec.Placeholder

		if rec.SourceKind == classify.Unmanaged && rec.SniffOnDemand {
			action, placeholder = sniffUnmanaged(data, sourcePrefix)
		}

		switch action {
		case classify.ActionText:
			deferred := destPrefix == prefix.Placeholder
			if deferred && strings.HasPrefix(rec.RelPath, "bin/") {
				if rewritten, ok := rewrite.RewriteShebang(data, sourcePrefix); ok {
					data = rewritten
				}
			}
			item.Data = rewrite.TextReplace(data, placeholder, destPrefix)
			if deferred {
				// destPrefix is itself the sentinel placeholder here, so the
				// bytes above now carry that sentinel rather than the real
				// destination (I6) — the runner needs a second pass once
				// the real install location is known.
				pk.recordDeferredText(rec.RelPath)
			}
		case classify.ActionBinary:
			// Shipped unchanged; the companion runner performs the
			// length-preserving rewrite at unpack time (I6). P7 binds
			// destPrefix's length against every binary placeholder,
			// including ones only discovered here by sniffing an
			// unmanaged file — the upfront inventory-wide check can't
			// see those.
			if ok, _ := prefix.CheckDestinationLength(destPrefix, []string{placeholder}); !ok {
				return item, errs.New(errs.DestinationTooLong, placeholder).WithPath(rec.RelPath)
			}
			item.Data = data
			pk.recordBinary(rec.RelPath)
		default:
			item.Data = data
		}

		item.Size = int64(len(item.Data))
		return item, nil
	}
}

// sniffUnmanaged implements SPEC_FULL.md §5.1's on-demand
// classification for unmanaged files: read once, and if the source
// prefix literal appears, decide text vs. binary by UTF-8 validity
// (core.py: is_binary_file's decode-or-not test).
func sniffUnmanaged(data []byte, sourcePrefix string) (classify.PrefixAction, string) {
	if !prefix.ContainsLiteral(data, sourcePrefix) {
		return classify.ActionNone, ""
	}
	if prefix.SniffKind(data) == prefix.Binary {
		return classify.ActionBinary, sourcePrefix
	}
	return classify.ActionText, sourcePrefix
}
