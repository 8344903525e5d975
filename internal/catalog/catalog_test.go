package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestMemoryResolve(t *testing.T) {
	t.Parallel()

	echo := Plugin{
		ID:    "echo",
		Names: []string{"echo_say"},
		Factory: func(Context) ([]Tool, error) {
			return []Tool{FuncTool{ToolName: "echo_say", Fn: func(_ context.Context, p map[string]any) (Result, error) {
				return TextResult(p["text"].(string)), nil
			}}}, nil
		},
	}
	cat := NewMemory(echo)

	tool, err := cat.Resolve(context.Background(), Context{}, "echo_say")
	require.NoError(t, err)
	res, err := tool.Execute(context.Background(), "call-1", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Content[0].Text)

	_, err = cat.Resolve(context.Background(), Context{}, "echo_shout")
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestMultiPrefersEarlierCatalog(t *testing.T) {
	t.Parallel()

	mk := func(text string) *Memory {
		return NewMemory(Plugin{ID: text, Names: []string{"x_run"}, Factory: func(Context) ([]Tool, error) {
			return []Tool{FuncTool{ToolName: "x_run", Fn: func(context.Context, map[string]any) (Result, error) {
				return TextResult(text), nil
			}}}, nil
		}})
	}
	m := Multi{mk("first"), mk("second")}

	tool, err := m.Resolve(context.Background(), Context{}, "x_run")
	require.NoError(t, err)
	res, _ := tool.Execute(context.Background(), "", nil)
	assert.Equal(t, "first", res.Content[0].Text)
	assert.Len(t, m.Plugins(), 2)
	assert.Equal(t, []string{"x_run", "x_run"}, ToolNames(m))
}

func TestFilesystemListDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "Desktop"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("a\nb\n"), 0o600))

	cat := NewMemory(Filesystem())
	tool, err := cat.Resolve(context.Background(), Context{WorkDir: dir}, "filesystem_list_directory")
	require.NoError(t, err)

	res, err := tool.Execute(context.Background(), "c1", map[string]any{})
	require.NoError(t, err)

	var out struct {
		Files []fileEntry `json:"files"`
		Total int         `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].Text), &out))
	require.Len(t, out.Files, 2)
	assert.Equal(t, "Desktop", out.Files[0].Name)
	assert.Equal(t, "directory", out.Files[0].Type)
	assert.Equal(t, "notes.txt", out.Files[1].Name)
	assert.Equal(t, 2, out.Total)
}

func TestFilesystemRejectsEscape(t *testing.T) {
	t.Parallel()

	cat := NewMemory(Filesystem())
	tool, err := cat.Resolve(context.Background(), Context{WorkDir: t.TempDir()}, "filesystem_read_file")
	require.NoError(t, err)

	res, err := tool.Execute(context.Background(), "c1", map[string]any{"path": "../../etc/passwd"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Content[0].Text, "[ERROR]"), res.Content[0].Text)
}

func TestFilesystemReadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\ntwo\n"), 0o600))

	tool, err := NewMemory(Filesystem()).Resolve(context.Background(), Context{WorkDir: dir}, "filesystem_read_file")
	require.NoError(t, err)
	res, err := tool.Execute(context.Background(), "c1", map[string]any{"path": "a.txt"})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].Text), &out))
	assert.Equal(t, []any{"one", "two"}, out["lines"])
	assert.Equal(t, false, out["truncated"])
}

func TestRemoteOverStructpb(t *testing.T) {
	t.Parallel()

	lis := bufconn.Listen(1 << 16)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		in := &structpb.Struct{}
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		var reply map[string]any
		switch method {
		case listPluginsMethod:
			reply = map[string]any{"plugins": []any{
				map[string]any{"id": "weather", "names": []any{"weather_daily", "weather_hourly"}},
				map[string]any{"names": []any{"ignored"}},
			}}
		case executeMethod:
			req := in.AsMap()
			params, _ := req["params"].(map[string]any)
			reply = map[string]any{"content": []any{
				map[string]any{"type": "text", "text": req["tool"].(string) + ":" + params["city"].(string)},
			}}
		default:
			return errors.New("unexpected method " + method)
		}
		out, err := structpb.NewStruct(reply)
		if err != nil {
			return err
		}
		return stream.SendMsg(out)
	}))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	r := &Remote{conn: conn, timeout: 5 * time.Second, logger: nil}
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Refresh(ctx))

	plugins := r.Plugins()
	require.Len(t, plugins, 1)
	assert.Equal(t, "weather", plugins[0].ID)
	assert.Equal(t, []string{"weather_daily", "weather_hourly"}, plugins[0].Names)

	tool, err := r.Resolve(ctx, Context{SessionKey: "s1"}, "weather_daily")
	require.NoError(t, err)
	res, err := tool.Execute(ctx, "c1", map[string]any{"city": "Oslo"})
	require.NoError(t, err)
	assert.Equal(t, []Content{{Type: "text", Text: "weather_daily:Oslo"}}, res.Content)

	_, err = r.Resolve(ctx, Context{}, "weather_weekly")
	assert.ErrorIs(t, err, ErrToolNotFound)
}
