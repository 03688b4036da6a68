package tempest

import (
	"reflect"
	"sync"
	"time"
)

// Serializable is implemented by user types that want full control
// over their own wire representation (spec.md §4.B point 3). Types
// that don't implement it are serialized by reflecting over their
// exported fields in a stable, memoized order.
type Serializable interface {
	Serialize(ctx *SerializeContext, w *Writer) error
	Deserialize(ctx *DeserializeContext, r *Reader) error
}

// SerializeContext threads the connection's TypeMap and in-flight
// cycle detection through a single serialization call.
type SerializeContext struct {
	Types   *TypeMap
	visited map[uintptr]struct{}
}

// NewSerializeContext builds a context bound to types, the owning
// connection's TypeMap.
func NewSerializeContext(types *TypeMap) *SerializeContext {
	return &SerializeContext{Types: types, visited: make(map[uintptr]struct{})}
}

// DeserializeContext mirrors SerializeContext for the read path.
type DeserializeContext struct {
	Types *TypeMap
}

func NewDeserializeContext(types *TypeMap) *DeserializeContext {
	return &DeserializeContext{Types: types}
}

var (
	decimalType  = reflect.TypeOf(Decimal{})
	timeType     = reflect.TypeOf(time.Time{})
	serializable = reflect.TypeOf((*Serializable)(nil)).Elem()
)

// fieldCache memoizes, per concrete struct type, the ordered list of
// exported fields eligible for reflection-based (de)serialization
// (spec.md §4.B: "that order is captured and memoized per type").
var fieldCache sync.Map // reflect.Type -> []reflect.StructField

func exportedFields(t reflect.Type) []reflect.StructField {
	if cached, ok := fieldCache.Load(t); ok {
		return cached.([]reflect.StructField)
	}
	var fields []reflect.StructField
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" { // unexported
			continue
		}
		if f.Anonymous && f.Type == reflect.TypeOf(BaseMessage{}) {
			continue // header/plumbing, not payload data
		}
		fields = append(fields, f)
	}
	fieldCache.Store(t, fields)
	return fields
}

// WriteValue serializes v (whose static type is its own concrete
// type -- the usual case for a message payload's top-level fields)
// using ctx's TypeMap for any nested polymorphic fields.
func WriteValue(ctx *SerializeContext, w *Writer, v interface{}) error {
	return writeReflect(ctx, w, reflect.ValueOf(v))
}

// writeReflect dispatches on rv's static Kind, implementing the
// algorithm of spec.md §4.B:
//  1. primitive/enum/decimal/date -> value codec
//  2. slice/array -> nullability + length (slices only) + elements
//  3. interface -> nullability + packed type header + concrete recursion
//  4. ptr -> nullability + direct recursion (Go has no runtime
//     subtyping for concrete pointer types, so no header is needed)
//  5. struct -> Serializable.Serialize, else field-by-field reflection
func writeReflect(ctx *SerializeContext, w *Writer, rv reflect.Value) error {
	if !rv.IsValid() {
		w.WriteBool(false)
		return nil
	}
	t := rv.Type()

	switch {
	case t == decimalType:
		w.WriteDecimal(rv.Interface().(Decimal))
		return nil
	case t == timeType:
		w.WriteDate(rv.Interface().(time.Time))
		return nil
	}

	switch t.Kind() {
	case reflect.Bool:
		w.WriteBool(rv.Bool())
		return nil
	case reflect.Int8:
		w.WriteSByte(int8(rv.Int()))
		return nil
	case reflect.Uint8:
		w.writeByteRaw(byte(rv.Uint()))
		return nil
	case reflect.Int16:
		w.WriteInt16(int16(rv.Int()))
		return nil
	case reflect.Uint16:
		w.WriteUint16(uint16(rv.Uint()))
		return nil
	case reflect.Int32, reflect.Int:
		w.WriteInt32(int32(rv.Int()))
		return nil
	case reflect.Uint32, reflect.Uint:
		w.WriteUint32(uint32(rv.Uint()))
		return nil
	case reflect.Int64:
		w.WriteInt64(rv.Int())
		return nil
	case reflect.Uint64:
		w.WriteUint64(rv.Uint())
		return nil
	case reflect.Float32:
		w.WriteSingle(float32(rv.Float()))
		return nil
	case reflect.Float64:
		w.WriteDouble(rv.Float())
		return nil
	case reflect.String:
		w.WriteStringValue(rv.String())
		return nil

	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			w.WriteBool(!rv.IsNil())
			if !rv.IsNil() {
				w.WriteBytes(rv.Bytes())
			}
			return nil
		}
		if rv.IsNil() {
			w.WriteBool(false)
			return nil
		}
		w.WriteBool(true)
		w.WriteVarUint(uint64(rv.Len()))
		for i := 0; i < rv.Len(); i++ {
			if err := writeReflect(ctx, w, rv.Index(i)); err != nil {
				return err
			}
		}
		return nil

	case reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if err := writeReflect(ctx, w, rv.Index(i)); err != nil {
				return err
			}
		}
		return nil

	case reflect.Interface:
		if rv.IsNil() {
			w.WriteBool(false)
			return nil
		}
		elem := rv.Elem()
		w.WriteBool(true)
		if err := checkCycle(ctx, elem); err != nil {
			return err
		}
		concreteType := elem.Type()
		for concreteType.Kind() == reflect.Ptr {
			concreteType = concreteType.Elem()
		}
		isNew, id := ctx.Types.GetTypeID(concreteType)
		_ = isNew
		w.WriteUint16((id << 1) | 1)
		return writeConcrete(ctx, w, elem)

	case reflect.Ptr:
		if rv.IsNil() {
			w.WriteBool(false)
			return nil
		}
		w.WriteBool(true)
		if err := checkCycle(ctx, rv); err != nil {
			return err
		}
		return writeConcrete(ctx, w, rv)

	case reflect.Struct:
		return writeConcrete(ctx, w, rv)

	default:
		return ErrInvalidPayloadType
	}
}

// checkCycle marks rv's pointee as visited, failing if it was already
// visited earlier in this serialization call (spec.md §4.B: "Cyclic
// object graphs are not supported and must fail explicitly ... on the
// second visit").
func checkCycle(ctx *SerializeContext, rv reflect.Value) error {
	var ptr uintptr
	switch rv.Kind() {
	case reflect.Ptr:
		ptr = rv.Pointer()
	case reflect.Interface:
		return checkCycle(ctx, rv.Elem())
	default:
		return nil
	}
	if ptr == 0 {
		return nil
	}
	if _, seen := ctx.visited[ptr]; seen {
		return ErrUnsupportedGraph
	}
	ctx.visited[ptr] = struct{}{}
	return nil
}

// writeConcrete serializes the object rv points to (or is) once its
// nullability bool and, for polymorphic fields, its type header have
// already been written.
func writeConcrete(ctx *SerializeContext, w *Writer, rv reflect.Value) error {
	if rv.Kind() == reflect.Ptr {
		if s, ok := rv.Interface().(Serializable); ok {
			return s.Serialize(ctx, w)
		}
		rv = rv.Elem()
	} else if rv.CanAddr() {
		if s, ok := rv.Addr().Interface().(Serializable); ok {
			return s.Serialize(ctx, w)
		}
	}

	if rv.Kind() != reflect.Struct {
		return writeReflect(ctx, w, rv)
	}

	for _, f := range exportedFields(rv.Type()) {
		if err := writeReflect(ctx, w, rv.FieldByIndex(f.Index)); err != nil {
			return err
		}
	}
	return nil
}

// ReadValue deserializes into a freshly allocated value of static
// type t, mirroring WriteValue.
func ReadValue(ctx *DeserializeContext, r *Reader, t reflect.Type) (interface{}, error) {
	rv, err := readReflect(ctx, r, t)
	if err != nil {
		return nil, err
	}
	if !rv.IsValid() {
		return nil, nil
	}
	return rv.Interface(), nil
}

func readReflect(ctx *DeserializeContext, r *Reader, t reflect.Type) (reflect.Value, error) {
	switch {
	case t == decimalType:
		d, err := r.ReadDecimal()
		return reflect.ValueOf(d), err
	case t == timeType:
		tm, err := r.ReadDate()
		return reflect.ValueOf(tm), err
	}

	switch t.Kind() {
	case reflect.Bool:
		v, err := r.ReadBool()
		return reflect.ValueOf(v), err
	case reflect.Int8:
		v, err := r.ReadSByte()
		return reflect.ValueOf(v), err
	case reflect.Uint8:
		v, err := r.ReadByte()
		return reflect.ValueOf(v), err
	case reflect.Int16:
		v, err := r.ReadInt16()
		return reflect.ValueOf(v), err
	case reflect.Uint16:
		v, err := r.ReadUint16()
		return reflect.ValueOf(v), err
	case reflect.Int32:
		v, err := r.ReadInt32()
		return reflect.ValueOf(v), err
	case reflect.Int:
		v, err := r.ReadInt32()
		return reflect.ValueOf(int(v)), err
	case reflect.Uint32:
		v, err := r.ReadUint32()
		return reflect.ValueOf(v), err
	case reflect.Uint:
		v, err := r.ReadUint32()
		return reflect.ValueOf(uint(v)), err
	case reflect.Int64:
		v, err := r.ReadInt64()
		return reflect.ValueOf(v), err
	case reflect.Uint64:
		v, err := r.ReadUint64()
		return reflect.ValueOf(v), err
	case reflect.Float32:
		v, err := r.ReadSingle()
		return reflect.ValueOf(v), err
	case reflect.Float64:
		v, err := r.ReadDouble()
		return reflect.ValueOf(v), err
	case reflect.String:
		v, err := r.ReadStringValue()
		return reflect.ValueOf(v), err

	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			present, err := r.ReadBool()
			if err != nil || !present {
				return reflect.Zero(t), err
			}
			b, err := r.ReadBytes()
			return reflect.ValueOf(b), err
		}
		present, err := r.ReadBool()
		if err != nil || !present {
			return reflect.Zero(t), err
		}
		n, err := r.ReadVarUint()
		if err != nil {
			return reflect.Value{}, err
		}
		if n > 1<<24 {
			return reflect.Value{}, ErrMalformedFrame
		}
		out := reflect.MakeSlice(t, int(n), int(n))
		for i := 0; i < int(n); i++ {
			ev, err := readReflect(ctx, r, t.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(conform(ev, t.Elem()))
		}
		return out, nil

	case reflect.Array:
		out := reflect.New(t).Elem()
		for i := 0; i < t.Len(); i++ {
			ev, err := readReflect(ctx, r, t.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(conform(ev, t.Elem()))
		}
		return out, nil

	case reflect.Interface:
		present, err := r.ReadBool()
		if err != nil || !present {
			return reflect.Zero(t), err
		}
		header, err := r.ReadUint16()
		if err != nil {
			return reflect.Value{}, err
		}
		id := header >> 1
		concreteType, ok := ctx.Types.ReverseLookup(id)
		if !ok {
			return reflect.Value{}, ErrUnknownTypeID
		}
		v, err := readConcrete(ctx, r, concreteType)
		if err != nil {
			return reflect.Value{}, err
		}
		return v, nil

	case reflect.Ptr:
		present, err := r.ReadBool()
		if err != nil || !present {
			return reflect.Zero(t), err
		}
		return readConcrete(ctx, r, t.Elem())

	case reflect.Struct:
		v, err := readConcreteValue(ctx, r, t)
		return v, err

	default:
		return reflect.Value{}, ErrInvalidPayloadType
	}
}

// readConcrete allocates a *concreteType and returns it as a Ptr
// reflect.Value (for interface/ptr fields); readConcreteValue returns
// the struct value itself (for direct struct fields).
func readConcrete(ctx *DeserializeContext, r *Reader, concreteType reflect.Type) (reflect.Value, error) {
	ptr := reflect.New(concreteType)
	if s, ok := ptr.Interface().(Serializable); ok {
		if err := s.Deserialize(ctx, r); err != nil {
			return reflect.Value{}, err
		}
		return ptr, nil
	}
	if err := readFieldsInto(ctx, r, ptr.Elem()); err != nil {
		return reflect.Value{}, err
	}
	return ptr, nil
}

func readConcreteValue(ctx *DeserializeContext, r *Reader, t reflect.Type) (reflect.Value, error) {
	ptr := reflect.New(t)
	if s, ok := ptr.Interface().(Serializable); ok {
		if err := s.Deserialize(ctx, r); err != nil {
			return reflect.Value{}, err
		}
		return ptr.Elem(), nil
	}
	if err := readFieldsInto(ctx, r, ptr.Elem()); err != nil {
		return reflect.Value{}, err
	}
	return ptr.Elem(), nil
}

func readFieldsInto(ctx *DeserializeContext, r *Reader, rv reflect.Value) error {
	for _, f := range exportedFields(rv.Type()) {
		fv, err := readReflect(ctx, r, f.Type)
		if err != nil {
			return err
		}
		rv.FieldByIndex(f.Index).Set(conform(fv, f.Type))
	}
	return nil
}

// conform adapts a decoded value's type to exactly match target,
// covering the signed-width aliases (e.g. decoded int32 -> named
// enum type) that reflect.Value.Set requires identical types for.
func conform(v reflect.Value, target reflect.Type) reflect.Value {
	if !v.IsValid() {
		return reflect.Zero(target)
	}
	if v.Type() == target {
		return v
	}
	if v.Type().ConvertibleTo(target) {
		return v.Convert(target)
	}
	return v
}
