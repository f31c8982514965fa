package squeue

import (
	"bytes"
	"testing"
)

func TestRecvQueuePartialPop(t *testing.T) {
	var q RecvQueue
	q.Append([]byte{1, 2})
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
	if _, ok := q.PopU32BE(); ok {
		t.Fatal("PopU32BE should fail on 2 buffered bytes")
	}
	q.Append([]byte{3, 4})
	v, ok := q.PopU32BE()
	if !ok || v != 0x01020304 {
		t.Fatalf("PopU32BE() = %#x, %v, want 0x01020304, true", v, ok)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
}

func TestRecvQueueByteOrder(t *testing.T) {
	var q RecvQueue
	q.Append([]byte{0xAB})
	q.Append([]byte{0xCD, 0xEF})
	u8, _ := q.PopU8()
	if u8 != 0xAB {
		t.Fatalf("PopU8() = %#x, want 0xAB", u8)
	}
	u16, ok := q.PopU16BE()
	if !ok || u16 != 0xCDEF {
		t.Fatalf("PopU16BE() = %#x, %v, want 0xCDEF, true", u16, ok)
	}
}

func TestRecvQueueClear(t *testing.T) {
	var q RecvQueue
	q.Append([]byte{1, 2, 3})
	q.Clear()
	if q.Len() != 0 {
		t.Fatalf("Len() after Clear = %d, want 0", q.Len())
	}
}

func TestSendQueuePartialWrite(t *testing.T) {
	var q SendQueue
	q.Push([]byte("hello"))
	q.Push([]byte("world"))

	head, ok := q.Head()
	if !ok || string(head) != "hello" {
		t.Fatalf("Head() = %q, %v, want %q, true", head, ok, "hello")
	}

	// simulate a short write of 2 bytes
	q.Advance(2)
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (head still pending)", q.Len())
	}
	head, ok = q.Head()
	if !ok || string(head) != "llo" {
		t.Fatalf("Head() after partial advance = %q, %v, want %q, true", head, ok, "llo")
	}

	q.Advance(3)
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after head fully drained", q.Len())
	}
	head, ok = q.Head()
	if !ok || string(head) != "world" {
		t.Fatalf("Head() = %q, %v, want %q, true", head, ok, "world")
	}

	q.Advance(5)
	if !q.Empty() {
		t.Fatal("expected queue to be empty")
	}
}

func TestSendQueueClear(t *testing.T) {
	var q SendQueue
	q.Push([]byte("a"))
	q.Push([]byte("b"))
	q.Advance(0)
	q.Clear()
	if !q.Empty() {
		t.Fatal("expected queue to be empty after Clear")
	}
	if _, ok := q.Head(); ok {
		t.Fatal("Head() should fail on empty queue")
	}
}

func TestRecvQueueCompactDoesNotCorrupt(t *testing.T) {
	var q RecvQueue
	var want bytes.Buffer
	for i := 0; i < 10000; i++ {
		b := []byte{byte(i)}
		q.Append(b)
		want.Write(b)
		if i%3 == 0 {
			if v, ok := q.PopU8(); !ok || v != want.Bytes()[0] {
				t.Fatalf("PopU8() = %v, %v, want %v, true", v, ok, want.Bytes()[0])
			}
			want.Next(1)
		}
	}
	for want.Len() > 0 {
		v, ok := q.PopU8()
		if !ok || v != want.Bytes()[0] {
			t.Fatalf("PopU8() = %v, %v, want %v, true", v, ok, want.Bytes()[0])
		}
		want.Next(1)
	}
}
