// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package cfgstruct binds configuration structs to flags using
// `help` and `default` field tags.
package cfgstruct

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Bind sets flags on a FlagSet that match the configuration struct
// fields, recursing into nested structs. Every leaf field must carry
// a `default` tag unless it is itself a struct.
func Bind(flags *pflag.FlagSet, config interface{}) {
	ptr := reflect.ValueOf(config)
	if ptr.Kind() != reflect.Ptr {
		panic(fmt.Sprintf("invalid config type: %#v, expecting pointer to struct", config))
	}
	bindConfig(flags, "", ptr.Elem())
}

func bindConfig(flags *pflag.FlagSet, prefix string, val reflect.Value) {
	if val.Kind() != reflect.Struct {
		panic(fmt.Sprintf("invalid config type: %#v, expecting struct", val.Interface()))
	}
	typ := val.Type()

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if field.PkgPath != "" {
			continue // unexported
		}
		fieldval := val.Field(i)
		flagname := prefix + hyphenate(snakeCase(field.Name))

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
			if field.Anonymous {
				bindConfig(flags, prefix, fieldval)
			} else {
				bindConfig(flags, flagname+".", fieldval)
			}
			continue
		}

		help := field.Tag.Get("help")
		def := field.Tag.Get("default")

		if !fieldval.CanAddr() {
			panic(fmt.Sprintf("cannot addr field %s in %s", field.Name, typ))
		}
		fieldaddr := fieldval.Addr().Interface()

		switch field.Type {
		case reflect.TypeOf(time.Duration(0)):
			val, err := time.ParseDuration(def)
			check(flagname, err)
			flags.DurationVar(fieldaddr.(*time.Duration), flagname, val, help)
		default:
			switch field.Type.Kind() {
			case reflect.String:
				flags.StringVar(fieldaddr.(*string), flagname, def, help)
			case reflect.Bool:
				val, err := strconv.ParseBool(defaulted(def, "false"))
				check(flagname, err)
				flags.BoolVar(fieldaddr.(*bool), flagname, val, help)
			case reflect.Int:
				val, err := strconv.Atoi(defaulted(def, "0"))
				check(flagname, err)
				flags.IntVar(fieldaddr.(*int), flagname, val, help)
			case reflect.Int64:
				val, err := strconv.ParseInt(defaulted(def, "0"), 10, 64)
				check(flagname, err)
				flags.Int64Var(fieldaddr.(*int64), flagname, val, help)
			case reflect.Float64:
				val, err := strconv.ParseFloat(defaulted(def, "0"), 64)
				check(flagname, err)
				flags.Float64Var(fieldaddr.(*float64), flagname, val, help)
			case reflect.Slice:
				if field.Type.Elem().Kind() != reflect.String {
					panic(fmt.Sprintf("invalid slice field type: %s for %s", field.Type, flagname))
				}
				var val []string
				if def != "" {
					val = strings.Split(def, ",")
				}
				flags.StringSliceVar(fieldaddr.(*[]string), flagname, val, help)
			default:
				panic(fmt.Sprintf("invalid field type: %s for %s", field.Type, flagname))
			}
		}
	}
}

func check(flagname string, err error) {
	if err != nil {
		panic(fmt.Sprintf("invalid default for %s: %v", flagname, err))
	}
}

func defaulted(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func snakeCase(name string) string {
	var out []rune
	for i, r := range name {
		if i > 0 && r >= 'A' && r <= 'Z' && name[i-1] >= 'a' && name[i-1] <= 'z' {
			out = append(out, '_')
		}
		out = append(out, r)
	}
	return strings.ToLower(string(out))
}

func hyphenate(name string) string {
	return strings.ReplaceAll(name, "_", "-")
}
