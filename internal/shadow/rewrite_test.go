package shadow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/wire"
)

func TestRewriteCommandPrefixesDB(t *testing.T) {
	cmd := &wire.Command{
		Body: bsondoc.NewDocument(
			bsondoc.Element{Key: "find", Value: "orders"},
			bsondoc.Element{Key: "$db", Value: "shop"},
		),
	}
	out, err := rewriteCommand(cmd, "shadow_")
	require.NoError(t, err)
	assert.Equal(t, "shadow_shop", out.Body.Lookup("$db"))
	assert.Equal(t, "shop", cmd.Body.Lookup("$db"), "original command must not be mutated")
}

func TestRewriteCommandLegacyNamespace(t *testing.T) {
	cmd := &wire.Command{
		Legacy:             true,
		FullCollectionName: "shop.orders",
		Body:               bsondoc.NewDocument(),
	}
	out, err := rewriteCommand(cmd, "shadow_")
	require.NoError(t, err)
	assert.Equal(t, "shadow_shop.orders", out.FullCollectionName)
}

func TestRewriteIndexNamespaces(t *testing.T) {
	cmd := &wire.Command{
		Body: bsondoc.NewDocument(
			bsondoc.Element{Key: "createIndexes", Value: "orders"},
			bsondoc.Element{Key: "indexes", Value: bsondoc.NewArray(
				bsondoc.NewDocument(bsondoc.Element{Key: "ns", Value: "shop.orders"}),
			)},
		),
	}
	out, err := rewriteCommand(cmd, "shadow_")
	require.NoError(t, err)
	indexes := out.Body.Lookup("indexes").(*bsondoc.Array)
	spec := indexes.Items()[0].(*bsondoc.Document)
	assert.Equal(t, "shadow_shop.orders", spec.Lookup("ns"))
}
