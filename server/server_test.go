package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"mini-ipc/auth"
	"mini-ipc/codec"
	"mini-ipc/dispatch"
	"mini-ipc/message"
	"mini-ipc/protocol"
	"mini-ipc/registry"
	"mini-ipc/transport"
)

type Arith struct {
	calls int
}

var (
	arithTable = dispatch.NewTable("arith")

	fnAdd = dispatch.Func2(arithTable, "add", func(a *Arith, _ context.Context, x, y int) (int, error) {
		a.calls++
		return x + y, nil
	})
	fnDiv = dispatch.Func2(arithTable, "div", func(a *Arith, _ context.Context, x, y int) (int, error) {
		if y == 0 {
			return 0, errors.New("divide by zero")
		}
		return x / y, nil
	})
	fnBoom = dispatch.Func0(arithTable, "boom", func(a *Arith, _ context.Context) (dispatch.Void, error) {
		panic("boom")
	})
	fnWait = dispatch.Func1(arithTable, "wait", func(a *Arith, ctx context.Context, ms int) (string, error) {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("aborted: %w", ctx.Err())
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return "done", nil
		}
	})
	fnNap = dispatch.Func1(arithTable, "nap", func(a *Arith, _ context.Context, ms int) (dispatch.Void, error) {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return dispatch.Void{}, nil
	})
)

// Label is registered by value; equal values are still separate objects.
type Label struct {
	text string
}

var (
	labelTable = dispatch.NewTable("label")

	fnText = dispatch.Func0(labelTable, "text", func(l Label, _ context.Context) (string, error) {
		return l.text, nil
	})
)

func startServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithAddress("tcp://127.0.0.1:0"), WithLogger(zaptest.NewLogger(t))}, opts...)
	svr := NewServer(opts...)
	svr.RegisterType(arithTable, func() any { return &Arith{} })
	if err := svr.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svr.Stop(time.Second) })
	return svr
}

func dial(t *testing.T, endpoint string) *transport.ClientTransport {
	t.Helper()
	conn, err := transport.Dial(context.Background(), endpoint)
	if err != nil {
		t.Fatal(err)
	}
	tr := transport.NewClientTransport(conn, transport.ClientConfig{Codec: codec.CodecTypeJSON, Logger: zaptest.NewLogger(t)})
	t.Cleanup(func() { tr.Close() })
	return tr
}

func roundTrip(t *testing.T, tr *transport.ClientTransport, req *message.Envelope) *message.Envelope {
	t.Helper()
	_, ch, err := tr.Send(req)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case rep := <-ch:
		return rep
	case <-time.After(3 * time.Second):
		t.Fatal("no reply")
	}
	return nil
}

func pack(t *testing.T, values ...any) []byte {
	t.Helper()
	body, err := codec.Pack(nil, values...)
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func create(t *testing.T, tr *transport.ClientTransport, typeName string, methods ...auth.Method) message.ObjectID {
	t.Helper()
	req := &message.Envelope{FunctionID: message.CreateObject, Body: pack(t, typeName)}
	auth.Stack(methods).ApplyAuth(req)
	rep := roundTrip(t, tr, req)
	if err := rep.Err(); err != nil {
		t.Fatalf("create %s: %v", typeName, err)
	}
	id, err := codec.Unpack[message.ObjectID](nil, rep.Body)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestServer(t *testing.T) {
	svr := startServer(t)
	tr := dial(t, svr.BoundAddresses()[0])

	id := create(t, tr, "arith")
	if id != 1 {
		t.Fatalf("first object id should be 1, got %d", id)
	}

	rep := roundTrip(t, tr, &message.Envelope{FunctionID: fnAdd, ObjectID: id, Body: pack(t, 1, 2)})
	if err := rep.Err(); err != nil {
		t.Fatal(err)
	}
	sum, err := codec.Unpack[int](nil, rep.Body)
	if err != nil || sum != 3 {
		t.Fatalf("Expect get result = 3, get %v (%v)", sum, err)
	}
	if svr.NumRegisteredObjects() != 1 {
		t.Fatalf("expect 1 object, got %d", svr.NumRegisteredObjects())
	}
}

func TestErrorStatuses(t *testing.T) {
	svr := startServer(t)
	tr := dial(t, svr.BoundAddresses()[0])
	id := create(t, tr, "arith")

	cases := []struct {
		name   string
		req    *message.Envelope
		status message.Status
		text   string
	}{
		{"unknown object", &message.Envelope{FunctionID: fnAdd, ObjectID: 42, Body: pack(t, 1, 2)}, message.StatusBadObject, ""},
		{"unknown function", &message.Envelope{FunctionID: 77, ObjectID: id}, message.StatusBadFunction, ""},
		{"function error", &message.Envelope{FunctionID: fnDiv, ObjectID: id, Body: pack(t, 1, 0)}, message.StatusException, "divide by zero"},
		{"panic", &message.Envelope{FunctionID: fnBoom, ObjectID: id}, message.StatusException, "panic: boom"},
		{"bad arguments", &message.Envelope{FunctionID: fnAdd, ObjectID: id, Body: pack(t, "x")}, message.StatusException, ""},
		{"unknown type", &message.Envelope{FunctionID: message.CreateObject, Body: pack(t, "nope")}, message.StatusException, "Cannot find object type nope"},
		{"destroy unknown", &message.Envelope{FunctionID: message.DestroyObject, ObjectID: 999}, message.StatusOK, ""},
	}
	for _, tc := range cases {
		rep := roundTrip(t, tr, tc.req)
		if rep.Status != tc.status {
			t.Fatalf("%s: expect %v, got %v (%s)", tc.name, tc.status, rep.Status, rep.Property(message.PropError))
		}
		if tc.text != "" && rep.Property(message.PropError) != tc.text {
			t.Fatalf("%s: expect %q, got %q", tc.name, tc.text, rep.Property(message.PropError))
		}
	}

	// the server survives all of the above
	rep := roundTrip(t, tr, &message.Envelope{FunctionID: fnAdd, ObjectID: id, Body: pack(t, 2, 2)})
	if rep.Status != message.StatusOK {
		t.Fatalf("expect OK after failures, got %v", rep.Status)
	}
}

func TestDestroyObject(t *testing.T) {
	svr := startServer(t)
	tr := dial(t, svr.BoundAddresses()[0])
	id := create(t, tr, "arith")

	rep := roundTrip(t, tr, &message.Envelope{FunctionID: message.DestroyObject, ObjectID: id})
	if rep.Status != message.StatusOK {
		t.Fatalf("destroy: %v", rep.Status)
	}
	rep = roundTrip(t, tr, &message.Envelope{FunctionID: fnAdd, ObjectID: id, Body: pack(t, 1, 1)})
	if rep.Status != message.StatusBadObject {
		t.Fatalf("expect BAD_OBJECT after destroy, got %v", rep.Status)
	}

	// ids are never reused
	if next := create(t, tr, "arith"); next == id {
		t.Fatalf("id %d reused", id)
	}
}

func TestAuthFailure(t *testing.T) {
	token := auth.NewToken("secret")
	svr := startServer(t, WithAuth(token))
	tr := dial(t, svr.BoundAddresses()[0])

	rep := roundTrip(t, tr, &message.Envelope{FunctionID: message.CreateObject, Body: pack(t, "arith")})
	if rep.Status != message.StatusAuthFailure {
		t.Fatalf("expect AUTH_FAILURE, got %v", rep.Status)
	}
	if rep.Property(message.PropAuthToken) != "" {
		t.Fatal("auth failure replies must not be stamped")
	}
	if svr.NumRegisteredObjects() != 0 {
		t.Fatal("registry touched by unauthenticated request")
	}

	wrong := auth.NewToken("guess")
	req := &message.Envelope{FunctionID: message.CreateObject, Body: pack(t, "arith")}
	wrong.ApplyAuth(req)
	if rep := roundTrip(t, tr, req); rep.Status != message.StatusAuthFailure {
		t.Fatalf("expect AUTH_FAILURE for wrong token, got %v", rep.Status)
	}

	id := create(t, tr, "arith", token)
	req = &message.Envelope{FunctionID: fnAdd, ObjectID: id, Body: pack(t, 1, 2)}
	token.ApplyAuth(req)
	rep = roundTrip(t, tr, req)
	if rep.Status != message.StatusOK {
		t.Fatalf("expect OK, got %v", rep.Status)
	}
	if !token.ValidateAuth(rep) {
		t.Fatal("reply should carry the server's stamp")
	}

	// an unauthenticated call on a live object never reaches it
	rep = roundTrip(t, tr, &message.Envelope{FunctionID: fnAdd, ObjectID: id, Body: pack(t, 1, 2)})
	if rep.Status != message.StatusAuthFailure {
		t.Fatalf("expect AUTH_FAILURE, got %v", rep.Status)
	}
	obj, _ := svr.objects.Lookup(id)
	if calls := obj.(*Arith).calls; calls != 1 {
		t.Fatalf("expect 1 executed call, got %d", calls)
	}
}

func TestRedelivery(t *testing.T) {
	svr := startServer(t)
	tr := dial(t, svr.BoundAddresses()[0])
	id := create(t, tr, "arith")

	// the same request sent twice executes twice
	req := &message.Envelope{FunctionID: fnAdd, ObjectID: id, Body: pack(t, 1, 2)}
	req.SetProperty(message.PropCommandID, "7")
	for i := 0; i < 2; i++ {
		if rep := roundTrip(t, tr, req); rep.Status != message.StatusOK {
			t.Fatalf("attempt %d: %v", i, rep.Status)
		}
	}
	obj, ok := svr.objects.Lookup(id)
	if !ok {
		t.Fatal("object gone")
	}
	if calls := obj.(*Arith).calls; calls != 2 {
		t.Fatalf("expect 2 executions, got %d", calls)
	}
}

func TestBindError(t *testing.T) {
	startServer(t, WithAddress("inproc://taken"))

	free := "inproc://free-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	svr := NewServer(WithAddress(free, "inproc://taken"), WithLogger(zaptest.NewLogger(t)))
	err := svr.Start()
	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("expect *BindError, got %v", err)
	}
	if bindErr.Addr != "inproc://taken" {
		t.Fatalf("expect failing address inproc://taken, got %s", bindErr.Addr)
	}

	// the address bound before the failure was released
	ln, err := transport.Listen(free)
	if err != nil {
		t.Fatalf("address not released: %v", err)
	}
	ln.Close()
}

func TestControlAddress(t *testing.T) {
	svr := startServer(t, WithControlAddress(AutoControl))
	addrs := svr.BoundAddresses()
	if len(addrs) != 1 {
		t.Fatalf("expect one call address, got %v", addrs)
	}
	ctrl := svr.ControlAddress()
	if ctrl == "" || ctrl == addrs[0] {
		t.Fatalf("expect a separate control address, got %q", ctrl)
	}
	// control connections speak the same protocol
	tr := dial(t, ctrl)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	name, err := tr.Ping(ctx, codec.Default.Name())
	if err != nil || name != codec.Default.Name() {
		t.Fatalf("ping on control address: %q %v", name, err)
	}
}

func TestStatusPublishing(t *testing.T) {
	svr := startServer(t)
	got := make(chan string, 16)
	conn, err := transport.Dial(context.Background(), svr.BoundAddresses()[0])
	if err != nil {
		t.Fatal(err)
	}
	tr := transport.NewClientTransport(conn, transport.ClientConfig{OnStatus: func(env *message.Envelope) {
		got <- env.Property(message.PropStatus) + ": " + string(env.Body)
	}})
	defer tr.Close()

	sub := &message.Envelope{}
	sub.SetProperty(message.PropControl, message.ControlSubscribe)
	if err := tr.Control(sub); err != nil {
		t.Fatal(err)
	}
	id := create(t, tr, "arith")
	roundTrip(t, tr, &message.Envelope{FunctionID: fnAdd, ObjectID: id, Body: pack(t, 1, 2)})

	want := map[string]bool{
		fmt.Sprintf("%s: Calling object %d function: add", message.StatusInfo, id): false,
		message.StatusInfo + ": Function Execution Success":                        false,
	}
	deadline := time.After(2 * time.Second)
	for remaining := len(want); remaining > 0; {
		select {
		case line := <-got:
			if seen, ok := want[line]; ok && !seen {
				want[line] = true
				remaining--
			}
		case <-deadline:
			t.Fatalf("missing status messages: %v", want)
		}
	}
}

func TestCommandTracking(t *testing.T) {
	svr := startServer(t)
	tr := dial(t, svr.BoundAddresses()[0])
	id := create(t, tr, "arith")

	req := &message.Envelope{FunctionID: fnAdd, ObjectID: id, Body: pack(t, 1, 2)}
	req.SetProperty(message.PropCommandID, "5")
	rep := roundTrip(t, tr, req)
	if rep.Status != message.StatusOK {
		t.Fatal(rep.Err())
	}
	if _, ok := rep.Properties.Get(message.PropCancel); ok {
		t.Fatal("cancel property set although the function never polled")
	}
	if svr.Tracker().Running() != 0 {
		t.Fatal("command still tracked after completion")
	}
}

func TestDeleteUnusedObjects(t *testing.T) {
	svr := startServer(t)
	tr := dial(t, svr.BoundAddresses()[0])
	a := create(t, tr, "arith")
	b := create(t, tr, "arith")
	create(t, tr, "arith")

	if n := svr.DeleteUnusedObjects([]message.ObjectID{b}, false); n != 1 {
		t.Fatalf("expect 1 removed, got %d", n)
	}
	if n := svr.DeleteUnusedObjects([]message.ObjectID{a}, true); n != 1 {
		t.Fatalf("expect the third object removed, got %d", n)
	}
	if svr.NumRegisteredObjects() != 1 {
		t.Fatalf("expect only %d left, got %d objects", a, svr.NumRegisteredObjects())
	}

	// the client can do the same through a control frame
	syncReq := &message.Envelope{Body: pack(t, []message.ObjectID{})}
	syncReq.SetProperty(message.PropControl, message.ControlSyncObjects)
	if err := tr.Control(syncReq); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for svr.NumRegisteredObjects() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sync_objects did not clear the registry")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStop(t *testing.T) {
	svr := startServer(t)
	addr := svr.BoundAddresses()[0]
	tr := dial(t, addr)
	create(t, tr, "arith")

	if err := svr.Stop(time.Second); err != nil {
		t.Fatal(err)
	}
	if err := svr.Stop(time.Second); err != nil {
		t.Fatalf("second Stop should be harmless, got %v", err)
	}
	if svr.NumRegisteredObjects() != 0 {
		t.Fatal("registry not released")
	}
	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not closed by Stop")
	}
	if _, err := transport.Dial(context.Background(), addr); err == nil {
		t.Fatal("address still bound after Stop")
	}
}

func TestRegistryPublish(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := startServer(t, WithRegistry(reg, "arith-service", 3))

	instances, _ := reg.Discover(context.Background(), "arith-service")
	if len(instances) != 1 || instances[0].Addr != svr.BoundAddresses()[0] || instances[0].Weight != 3 {
		t.Fatalf("unexpected published instances %+v", instances)
	}

	svr.Stop(time.Second)
	instances, _ = reg.Discover(context.Background(), "arith-service")
	if len(instances) != 0 {
		t.Fatalf("expect deregistration on Stop, got %+v", instances)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	svr := startServer(t, WithMetrics(reg))
	tr := dial(t, svr.BoundAddresses()[0])
	id := create(t, tr, "arith")
	roundTrip(t, tr, &message.Envelope{FunctionID: fnAdd, ObjectID: id, Body: pack(t, 1, 2)})

	n, err := testutil.GatherAndCount(reg, "miniipc_server_calls_total", "miniipc_server_objects")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expect one call series and the object gauge, got %d", n)
	}
}

func TestObjectRegistry(t *testing.T) {
	r := newObjectRegistry()
	a, b := &Arith{}, &Arith{}
	ida := r.Insert(a, arithTable)
	idb := r.Insert(b, arithTable)
	if ida != 1 || idb != 2 {
		t.Fatalf("expect ids 1 and 2, got %d %d", ida, idb)
	}
	if again := r.Insert(a, arithTable); again != ida {
		t.Fatalf("re-inserting an object should reuse its id, got %d", again)
	}
	r.remove(ida)
	if idc := r.Insert(a, arithTable); idc != 3 {
		t.Fatalf("expect fresh id 3 after removal, got %d", idc)
	}
	if _, ok := r.Lookup(ida); ok {
		t.Fatal("removed id still resolves")
	}

	// equal values are separate objects
	l1, l2 := r.Insert(Label{"x"}, labelTable), r.Insert(Label{"x"}, labelTable)
	if l1 == l2 {
		t.Fatalf("equal values share id %d", l1)
	}
	r.remove(l1)
	if _, ok := r.Lookup(l2); !ok {
		t.Fatal("removing one value dropped the other")
	}
}

func TestValueObjects(t *testing.T) {
	svr := startServer(t)
	svr.RegisterType(labelTable, func() any { return Label{text: "x"} })
	tr := dial(t, svr.BoundAddresses()[0])

	first := create(t, tr, "label")
	second := create(t, tr, "label")
	if first == second {
		t.Fatalf("two creates returned the same id %d", first)
	}
	if n := svr.NumRegisteredObjects(); n != 2 {
		t.Fatalf("expect 2 objects, got %d", n)
	}

	rep := roundTrip(t, tr, &message.Envelope{FunctionID: message.DestroyObject, ObjectID: first})
	if rep.Status != message.StatusOK {
		t.Fatalf("destroy: %v", rep.Status)
	}
	rep = roundTrip(t, tr, &message.Envelope{FunctionID: fnText, ObjectID: second})
	if err := rep.Err(); err != nil {
		t.Fatalf("second object should survive: %v", err)
	}
	if text, err := codec.Unpack[string](nil, rep.Body); err != nil || text != "x" {
		t.Fatalf("expect x, got %q (%v)", text, err)
	}
	if n := svr.NumRegisteredObjects(); n != 1 {
		t.Fatalf("expect 1 object, got %d", n)
	}
}

func TestHeartbeatAndPing(t *testing.T) {
	svr := startServer(t)
	conn, err := transport.Dial(context.Background(), svr.BoundAddresses()[0])
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := conn.WriteFrame(&protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteFrame(&protocol.Header{MsgType: protocol.MsgTypePing, Seq: 9}, []byte("json")); err != nil {
		t.Fatal(err)
	}
	h, body, err := conn.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if h.MsgType != protocol.MsgTypePong || h.Seq != 9 || string(body) != codec.Default.Name() {
		t.Fatalf("unexpected pong %+v %q", h, body)
	}
}

func TestCallLimits(t *testing.T) {
	svr := startServer(t, WithCallTimeout(50*time.Millisecond), WithRateLimit(0.001, 2))
	tr := dial(t, svr.BoundAddresses()[0])
	id := create(t, tr, "arith")

	rep := roundTrip(t, tr, &message.Envelope{FunctionID: fnNap, ObjectID: id, Body: pack(t, 300)})
	if rep.Status != message.StatusException || rep.Property(message.PropError) != "request timed out" {
		t.Fatalf("expect timeout, got %v %q", rep.Status, rep.Property(message.PropError))
	}

	rep = roundTrip(t, tr, &message.Envelope{FunctionID: fnAdd, ObjectID: id, Body: pack(t, 1, 2)})
	if rep.Status != message.StatusOK {
		t.Fatalf("expect OK, got %v", rep.Status)
	}
	rep = roundTrip(t, tr, &message.Envelope{FunctionID: fnAdd, ObjectID: id, Body: pack(t, 1, 2)})
	if rep.Property(message.PropError) != "rate limit exceeded" {
		t.Fatalf("expect rate limit, got %v %q", rep.Status, rep.Property(message.PropError))
	}

	// construction is not rate limited
	create(t, tr, "arith")
}

func TestOverlappingCalls(t *testing.T) {
	svr := startServer(t)
	trA := dial(t, svr.BoundAddresses()[0])
	trB := dial(t, svr.BoundAddresses()[0])
	idA := create(t, trA, "arith")
	idB := create(t, trB, "arith")

	req := &message.Envelope{FunctionID: fnWait, ObjectID: idA, Body: pack(t, 300)}
	req.SetProperty(message.PropCommandID, "1")
	_, replyA, err := trA.Send(req)
	if err != nil {
		t.Fatal(err)
	}

	// a later call from another connection takes the running slot
	time.Sleep(50 * time.Millisecond)
	reqB := &message.Envelope{FunctionID: fnAdd, ObjectID: idB, Body: pack(t, 1, 1)}
	reqB.SetProperty(message.PropCommandID, "2")
	if rep := roundTrip(t, trB, reqB); rep.Status != message.StatusOK {
		t.Fatalf("call B: %v", rep.Status)
	}

	select {
	case rep := <-replyA:
		if rep.Status != message.StatusOK {
			t.Fatalf("call A was disturbed: %v %q", rep.Status, rep.Property(message.PropError))
		}
		if out, _ := codec.Unpack[string](nil, rep.Body); out != "done" {
			t.Fatalf("expect done, got %q", out)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reply for call A")
	}
}
