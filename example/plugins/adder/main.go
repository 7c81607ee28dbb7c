// Command adder is built with -buildmode=plugin and loaded by modhost.
package main

import (
	"github.com/snowmerak/modmux/example/adder"
	"github.com/snowmerak/modmux/lib/component"
)

var class = adder.NewClass("adder plugin")

func GetClassObject(cid component.ClassID, iid component.InterfaceID) (component.Object, error) {
	return class.GetClassObject(cid, iid)
}

func CanUnloadNow() (component.UnloadStatus, error) {
	return class.CanUnloadNow()
}

func Register(reg *component.ModuleRegistrar) error {
	return class.Register(reg)
}

func Unregister(reg *component.ModuleRegistrar) error {
	return class.Unregister(reg)
}

func main() {}
