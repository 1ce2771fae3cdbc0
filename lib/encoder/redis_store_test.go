// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package encoder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/rueidis/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestRedisStore_Ping(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)
	c.EXPECT().
		Do(gomock.Any(), mock.Match("PING")).
		Return(mock.Result(mock.RedisString("PONG")))
	c.EXPECT().
		Do(gomock.Any(), mock.Match("PING")).
		Return(mock.ErrorResult(context.DeadlineExceeded))

	s := newRedisStoreWithClient(c, "enc:", 0)
	require.NoError(t, s.Ping(context.Background()))
	assert.ErrorIs(t, s.Ping(context.Background()), context.DeadlineExceeded)
}

func TestRedisStore_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("hit", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		c := mock.NewClient(ctrl)
		c.EXPECT().
			Do(gomock.Any(), mock.Match("GET", "enc:abc")).
			Return(mock.Result(mock.RedisBlobString("encoded")))

		got, err := newRedisStoreWithClient(c, "enc:", 0).Get(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, []byte("encoded"), got)
	})

	t.Run("miss", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		c := mock.NewClient(ctrl)
		c.EXPECT().
			Do(gomock.Any(), mock.Match("GET", "enc:abc")).
			Return(mock.Result(mock.RedisNil()))

		_, err := newRedisStoreWithClient(c, "enc:", 0).Get(ctx, "abc")
		assert.ErrorIs(t, err, ErrCacheMiss)
	})

	t.Run("error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		c := mock.NewClient(ctrl)
		boom := errors.New("connection reset")
		c.EXPECT().
			Do(gomock.Any(), mock.Match("GET", "enc:abc")).
			Return(mock.ErrorResult(boom))

		_, err := newRedisStoreWithClient(c, "enc:", 0).Get(ctx, "abc")
		require.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, ErrCacheMiss)
	})
}

func TestRedisStore_Set(t *testing.T) {
	ctx := context.Background()

	t.Run("no ttl", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		c := mock.NewClient(ctrl)
		c.EXPECT().
			Do(gomock.Any(), mock.Match("SET", "enc:abc", "encoded")).
			Return(mock.Result(mock.RedisString("OK")))

		require.NoError(t, newRedisStoreWithClient(c, "enc:", 0).Set(ctx, "abc", []byte("encoded")))
	})

	t.Run("ttl", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		c := mock.NewClient(ctrl)
		c.EXPECT().
			Do(gomock.Any(), mock.MatchFn(func(cmd []string) bool {
				return len(cmd) == 5 &&
					cmd[0] == "SET" && cmd[1] == "enc:abc" && cmd[2] == "encoded" &&
					cmd[3] == "EX" && cmd[4] == "60"
			})).
			Return(mock.Result(mock.RedisString("OK")))

		require.NoError(t, newRedisStoreWithClient(c, "enc:", time.Minute).Set(ctx, "abc", []byte("encoded")))
	})

	t.Run("error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		c := mock.NewClient(ctrl)
		c.EXPECT().
			Do(gomock.Any(), mock.MatchFn(func(cmd []string) bool { return cmd[0] == "SET" })).
			Return(mock.ErrorResult(context.Canceled))

		err := newRedisStoreWithClient(c, "enc:", 0).Set(ctx, "abc", []byte("encoded"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestNewRedisStore_RequiresAddrs(t *testing.T) {
	_, err := NewRedisStore(RedisConfig{})
	assert.ErrorContains(t, err, "addrs")
}
