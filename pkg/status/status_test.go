// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package status

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKinds(t *testing.T) {
	err := Errorf(ConfigurationInvalid, "model %q: tensor %q is missing", "m", "x")
	require.Error(t, err)
	assert.Equal(t, `model "m": tensor "x" is missing`, err.Error())
	assert.Equal(t, ConfigurationInvalid, KindOf(err))
	assert.True(t, Is(err, ConfigurationInvalid))
	assert.False(t, Is(err, Internal))

	// Wrapping with pkg/errors keeps the kind reachable.
	wrapped := errors.WithMessage(err, "while loading")
	assert.Equal(t, ConfigurationInvalid, KindOf(wrapped))

	engineErr := errors.New("OOM when allocating tensor")
	tagged := WithKind(EngineExecutionFailed, engineErr)
	assert.Equal(t, "OOM when allocating tensor", tagged.Error())
	assert.True(t, errors.Is(tagged, engineErr))

	assert.Nil(t, Wrapf(Internal, nil, "nothing"))
	assert.Nil(t, WithKind(Internal, nil))
	assert.Equal(t, Unknown, KindOf(engineErr))
	assert.Equal(t, Unknown, KindOf(nil))
	assert.Equal(t, "PerRequestDataMalformed", PerRequestDataMalformed.String())
	detailed := fmt.Sprintf("%+v", Wrapf(ResourceExhausted, engineErr, "alloc"))
	assert.Contains(t, detailed, "ResourceExhausted: ")
	assert.Contains(t, detailed, "alloc")
	assert.Equal(t, "alloc: OOM when allocating tensor", fmt.Sprintf("%v", Wrapf(ResourceExhausted, engineErr, "alloc")))
}
